package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/daemonctl"
	"conductor/internal/ipc"
	"conductor/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Run environment readiness checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var checks []ipc.CheckResult
			var deps []ipc.DependencyStatus
			if client, dialErr := ctx.dialClient(); dialErr == nil {
				resp, rpcErr := client.Preflight()
				_ = client.Close()
				if rpcErr != nil {
					return rpcErr
				}
				checks = resp.Checks
				deps = resp.Dependencies
			} else {
				for _, result := range preflight.RunAll(cmd.Context(), cfg) {
					checks = append(checks, ipc.CheckResult{
						Name:   result.Name,
						Passed: result.Passed,
						Detail: result.Detail,
					})
				}
				deps = daemonctl.ResolveDependencies(cfg)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Preflight Checks", colorize) {
				fmt.Fprintln(stdout, line)
			}
			failures := 0
			for _, check := range checks {
				kind := statusOK
				if !check.Passed {
					kind = statusError
					failures++
				}
				fmt.Fprintln(stdout, renderStatusLine(check.Name, kind, check.Detail, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Dependencies", colorize) {
				fmt.Fprintln(stdout, line)
			}
			summary := daemonctl.BuildDependencySummary(deps)
			for _, line := range dependencyLines(deps, summary, colorize) {
				fmt.Fprintln(stdout, line)
			}

			if failures > 0 {
				return fmt.Errorf("%d preflight check(s) failed", failures)
			}
			return nil
		},
	}
}
