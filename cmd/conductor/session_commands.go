package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conductor/internal/ipc"
	"conductor/internal/manifest"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage capture sessions",
	}

	sessionsCmd.AddCommand(newSessionsListCommand(ctx))
	sessionsCmd.AddCommand(newSessionsShowCommand(ctx))
	sessionsCmd.AddCommand(newSessionsRetryCommand(ctx))
	sessionsCmd.AddCommand(newSessionsAbandonCommand(ctx))

	return sessionsCmd
}

func newSessionsListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capture sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(client *ipc.Client, store *manifest.Store) error {
				var items []ipc.SessionSummary
				if client != nil {
					resp, err := client.SessionList(listStatuses)
					if err != nil {
						return err
					}
					items = resp.Sessions
				} else {
					var statuses []manifest.SessionStatus
					for _, value := range listStatuses {
						parsed, ok := manifest.ParseSessionStatus(value)
						if !ok {
							return fmt.Errorf("unknown session status %q", value)
						}
						statuses = append(statuses, parsed)
					}
					sessions, err := store.List(cmd.Context(), statuses...)
					if err != nil {
						return err
					}
					for _, session := range sessions {
						items = append(items, ipc.FromSession(session))
					}
				}

				if asJSON {
					return writeJSON(cmd, map[string]any{"sessions": items})
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded")
					return nil
				}
				table := renderTable(
					[]string{"Session", "Label", "Stage", "Status", "Started"},
					buildSessionListRows(items),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprint(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by overall status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			if sessionID == "" {
				return errors.New("session id is required")
			}
			return ctx.withStore(func(client *ipc.Client, store *manifest.Store) error {
				var summary ipc.SessionSummary
				if client != nil {
					resp, err := client.SessionShow(sessionID)
					if err != nil {
						return err
					}
					summary = resp.Session
				} else {
					session, err := store.Load(cmd.Context(), sessionID)
					if err != nil {
						return err
					}
					summary = ipc.FromSession(session)
				}

				if asJSON {
					return writeJSON(cmd, summary)
				}
				printSessionDetail(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session-id>",
		Short: "Reschedule a failed or parked session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Retry(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case resp == nil:
					return errors.New("missing retry response")
				case strings.TrimSpace(resp.Message) != "":
					fmt.Fprintln(out, resp.Message)
				case resp.Retried:
					fmt.Fprintf(out, "Session %s rescheduled\n", args[0])
				default:
					fmt.Fprintf(out, "Session %s was not retried\n", args[0])
				}
				return nil
			})
		},
	}
}

func newSessionsAbandonCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <session-id>",
		Short: "Permanently remove a session from processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Abandon(strings.TrimSpace(args[0]), strings.TrimSpace(reason))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case resp == nil:
					return errors.New("missing abandon response")
				case strings.TrimSpace(resp.Message) != "":
					fmt.Fprintln(out, resp.Message)
				case resp.Abandoned:
					fmt.Fprintf(out, "Session %s abandoned\n", args[0])
				default:
					fmt.Fprintf(out, "Session %s was not abandoned\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the session")
	return cmd
}
