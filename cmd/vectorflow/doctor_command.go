package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"vectorflow/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that configured dependencies answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checks, release := preflight.ConfigChecks(cfg)
			defer release()
			results := preflight.RunAll(cmd.Context(), cfg, checks...)

			if jsonOut {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				colorize := shouldColorize(cmd.OutOrStdout())
				out := cmd.OutOrStdout()
				for _, line := range renderSectionHeader("Dependencies", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, result := range results {
					kind := statusOK
					switch {
					case !result.Passed && result.Optional:
						kind = statusWarn
					case !result.Passed:
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
				}
			}
			if preflight.Failed(results) {
				return errors.New("one or more required dependencies failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
