package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meowfeeder/meowfeeder/internal/controller"
	"github.com/meowfeeder/meowfeeder/internal/reconcile"
	"github.com/meowfeeder/meowfeeder/internal/selector"
	"github.com/meowfeeder/meowfeeder/internal/session"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

var (
	connectTimeout time.Duration
	feedWait       time.Duration
	statusWait     time.Duration
)

func newController() *controller.Controller {
	opts := controller.OptionsFromConfig(cfg)
	opts.Email = api.Email()
	transport := session.NewWebSocketTransport(session.WebSocketTransportConfig{
		HandshakeTimeout: cfg.Device.HandshakeTimeout,
		WriteWait:        cfg.Device.WriteWait,
		CloseWait:        cfg.Device.CloseWait,
	})
	return controller.New(opts, api, transport, nil, nil)
}

// connect selects the first online device and waits for its session
func connect(cmd *cobra.Command, hooks controller.Hooks) (*controller.Controller, selector.Selection, error) {
	if err := ensureSession(cmd); err != nil {
		return nil, selector.Selection{}, err
	}

	ctrl := newController()
	ctrl.SetHooks(hooks)

	sel, err := ctrl.Refresh(cmd.Context())
	if err != nil {
		ctrl.Close()
		return nil, sel, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()
	if err := ctrl.WaitConnected(ctx); err != nil {
		ctrl.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sel, fmt.Errorf("device at %s did not answer within %s", sel.Address, connectTimeout)
		}
		return nil, sel, err
	}
	return ctrl, sel, nil
}

// target is the explicit device argument or the active selection
func target(args []string, sel selector.Selection) string {
	if len(args) == 1 {
		return args[0]
	}
	return sel.DeviceID
}

var feedCmd = &cobra.Command{
	Use:   "feed [device-id]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Dispense a portion now on the active feeder",
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make(chan reconcile.Update, 16)
		ctrl, sel, err := connect(cmd, controller.Hooks{
			OnUpdate: func(u reconcile.Update) {
				select {
				case updates <- u:
				default:
				}
			},
		})
		if err != nil {
			return err
		}
		defer ctrl.Close()

		deviceID := target(args, sel)
		out := ctrl.FeedNow(deviceID)
		if !out.Sent {
			return out.Failure
		}
		fmt.Printf("Feed command sent to %s\n", deviceID)

		timeout := time.After(feedWait)
		for {
			select {
			case u := <-updates:
				switch u.Kind {
				case reconcile.UpdateHistoryRecorded:
					fmt.Println("Feeding recorded")
					return nil
				case reconcile.UpdateDeviceFailure, reconcile.UpdateHistoryFailed:
					return u.Failure
				case reconcile.UpdateStatus:
					fmt.Printf("Status: %s\n", statusLabel(u.Status))
				}
			case <-timeout:
				fmt.Println("No answer from the device yet, check `feeder-control history`")
				return nil
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [device-id]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Ask the active feeder for its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses := make(chan protocol.Event, 4)
		ctrl, sel, err := connect(cmd, controller.Hooks{
			OnEvent: func(ev protocol.Event) {
				if ev.Type != protocol.EventDeviceStatus {
					return
				}
				select {
				case statuses <- ev:
				default:
				}
			},
		})
		if err != nil {
			return err
		}
		defer ctrl.Close()

		deviceID := target(args, sel)
		if _, err := ctrl.GetStatus(deviceID); err != nil {
			return err
		}

		select {
		case <-statuses:
		case <-time.After(statusWait):
			fmt.Fprintln(os.Stderr, "No status received")
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}

		snap := ctrl.Snapshot()
		if jsonOutput {
			return printJSON(snap)
		}
		fmt.Printf("Device:   %s\n", deviceID)
		fmt.Printf("Address:  %s\n", sel.Address)
		fmt.Printf("Session:  %s\n", snap.Session.State)
		if snap.DeviceStatus != nil {
			fmt.Printf("Status:   %s\n", snap.DeviceStatus.Status)
			if snap.DeviceStatus.DailyCount != nil {
				fmt.Printf("Today:    %d feedings\n", *snap.DeviceStatus.DailyCount)
			}
		}
		if observed, ok := ctrl.ObservedStatus(deviceID); ok {
			fmt.Printf("Observed: %s\n", statusLabel(observed))
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [device-id]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Stop dispensing on the active feeder",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, sel, err := connect(cmd, controller.Hooks{})
		if err != nil {
			return err
		}
		defer ctrl.Close()

		deviceID := target(args, sel)
		if _, err := ctrl.StopFeed(deviceID); err != nil {
			return err
		}
		fmt.Printf("Stop command sent to %s\n", deviceID)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the active feeder until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := ensureSession(cmd); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl := newController()
		ctrl.SetHooks(controller.Hooks{
			OnSession: func(st session.Status) {
				line := fmt.Sprintf("session %s %s", st.State, st.Address)
				if st.Err != nil {
					line += ": " + st.Err.Reason
				}
				emit(line, st)
			},
			OnSelection: func(_, next selector.Selection) {
				emit(fmt.Sprintf("selection %s %s", next.State, next.DeviceID), next)
			},
			OnEvent: func(ev protocol.Event) {
				emit(fmt.Sprintf("event %s %v", ev.Type, ev.Fields), ev)
			},
			OnUpdate: func(u reconcile.Update) {
				line := fmt.Sprintf("update %s %s", u.Kind, u.DeviceID)
				if u.Failure != nil {
					line += ": " + u.Failure.Reason
				}
				emit(line, u)
			},
		})

		err := ctrl.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func emit(line string, v interface{}) {
	if jsonOutput {
		printJSON(v)
		return
	}
	fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), line)
}

func init() {
	for _, c := range []*cobra.Command{feedCmd, statusCmd, stopCmd} {
		c.Flags().DurationVar(&connectTimeout, "connect-timeout", 15*time.Second, "how long to wait for the device session")
	}
	feedCmd.Flags().DurationVar(&feedWait, "wait", 20*time.Second, "how long to wait for the device to report")
	statusCmd.Flags().DurationVar(&statusWait, "wait", 5*time.Second, "how long to wait for a status push")
}
