package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/selector"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the feeders on your account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := ensureSession(cmd); err != nil {
			return err
		}
		devices, err := api.ListUserDevices(cmd.Context(), api.Email())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(devices)
		}
		if len(devices) == 0 {
			fmt.Println("No devices found")
			return nil
		}

		active := selector.Pick(devices)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "\tID\tStatus\tAddress\tSchedule\tAuto\tLast fed\t\n")
		for _, d := range devices {
			marker := ""
			if active != nil && active.ID == d.ID {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t\n",
				marker,
				d.ID,
				d.Status,
				orDash(d.IPAddress),
				len(d.FeedingTime),
				strconv.FormatBool(d.AutoFeeding),
				formatTime(d.LastFeedTime),
			)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <device-id>",
	Short: "Show the feeding history of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureSession(cmd); err != nil {
			return err
		}
		stats, err := api.FeedingHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		fmt.Printf("Total feedings: %d\n", stats.TotalFeedings)
		fmt.Printf("Last fed:       %s\n", formatTime(stats.LastFeedTime))
		for i, at := range stats.FeedingHistory {
			fmt.Printf("%3d. %s\n", i+1, at.Local().Format(time.DateTime))
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func statusLabel(s models.DeviceStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
