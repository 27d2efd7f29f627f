package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/ipc"
)

// Capture tooling shells out to these commands around every recording, so
// they accept an explicit timestamp for replayed or delayed invocations.
func newSignalCommand(ctx *commandContext) *cobra.Command {
	signalCmd := &cobra.Command{
		Use:   "signal",
		Short: "Report capture tool start/stop events to the daemon",
	}

	signalCmd.AddCommand(newSignalStartedCommand(ctx))
	signalCmd.AddCommand(newSignalStoppedCommand(ctx))

	return signalCmd
}

func newSignalStartedCommand(ctx *commandContext) *cobra.Command {
	var atValue string
	var label string

	cmd := &cobra.Command{
		Use:   "started",
		Short: "Report that a capture recording began",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseSignalTime(atValue)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SignalCaptureStarted(at, strings.TrimSpace(label))
				if err != nil {
					return err
				}
				return printSignalOutcome(cmd, resp.Accepted, resp.Message)
			})
		},
	}

	cmd.Flags().StringVar(&atValue, "at", "", "Event timestamp in RFC 3339 (defaults to now)")
	cmd.Flags().StringVar(&label, "label", "", "Optional label for the session")
	return cmd
}

func newSignalStoppedCommand(ctx *commandContext) *cobra.Command {
	var atValue string
	var file string

	cmd := &cobra.Command{
		Use:   "stopped",
		Short: "Report that a capture recording ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseSignalTime(atValue)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SignalCaptureStopped(at, strings.TrimSpace(file))
				if err != nil {
					return err
				}
				return printSignalOutcome(cmd, resp.Accepted, resp.Message)
			})
		},
	}

	cmd.Flags().StringVar(&atValue, "at", "", "Event timestamp in RFC 3339 (defaults to now)")
	cmd.Flags().StringVar(&file, "file", "", "Path to the finished recording file")
	return cmd
}

func parseSignalTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --at value %q: %w", value, err)
	}
	return at.UTC(), nil
}

func printSignalOutcome(cmd *cobra.Command, accepted bool, message string) error {
	out := cmd.OutOrStdout()
	message = strings.TrimSpace(message)
	switch {
	case message != "":
		fmt.Fprintln(out, message)
	case accepted:
		fmt.Fprintln(out, "Signal accepted")
	default:
		return errors.New("signal was not accepted")
	}
	return nil
}
