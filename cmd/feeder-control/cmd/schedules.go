package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage feeding schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list <device-id>",
	Short: "List feeding times",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureSession(cmd); err != nil {
			return err
		}
		schedules, err := api.Schedules(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(schedules)
		}
		if len(schedules) == 0 {
			fmt.Println("No feeding times scheduled")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Index\tTime\tPortion\t\n")
		for _, s := range schedules {
			fmt.Fprintf(w, "%d\t%s\t%s\t\n", s.ID, s.Time, s.Portion)
		}
		return w.Flush()
	},
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add <device-id> <HH:MM>",
	Short: "Add a feeding time",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !models.ValidFeedingTime(args[1]) {
			return fmt.Errorf("invalid time %q, use HH:MM", args[1])
		}
		if err := ensureSession(cmd); err != nil {
			return err
		}
		times, err := api.AddSchedule(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printFeedingTimes(times)
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <device-id> <index>",
	Short: "Delete the feeding time at index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid index %q", args[1])
		}
		if err := ensureSession(cmd); err != nil {
			return err
		}
		times, err := api.DeleteSchedule(cmd.Context(), args[0], index)
		if err != nil {
			return err
		}
		return printFeedingTimes(times)
	},
}

var autoFeedingCmd = &cobra.Command{
	Use:       "auto-feeding <device-id> <on|off>",
	Short:     "Turn automatic feeding on or off",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on", "true":
			enabled = true
		case "off", "false":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		if err := ensureSession(cmd); err != nil {
			return err
		}
		if err := api.SetAutoFeeding(cmd.Context(), args[0], enabled); err != nil {
			return err
		}
		fmt.Printf("Auto feeding %s\n", args[1])
		return nil
	},
}

func printFeedingTimes(times []string) error {
	if jsonOutput {
		return printJSON(times)
	}
	fmt.Println("Feeding times:")
	for i, t := range times {
		fmt.Printf("%3d. %s\n", i, t)
	}
	return nil
}

func init() {
	schedulesCmd.AddCommand(schedulesListCmd, schedulesAddCmd, schedulesDeleteCmd)
}
