package main

import (
	"github.com/spf13/cobra"
)

func newDedupeCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Keep one consent per resident and delete the rest",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.DedupeConsents(rt.ctx, dryRun)
			if err != nil {
				return classify(err, exitDBWrite)
			}
			return printJSON(root.stdout, result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	return cmd
}

func newMigrateIDsCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate-ids",
		Short: "Promote legacy person IDs into the canonical person ID field",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.MigrateIDs(rt.ctx, dryRun)
			if err != nil {
				return classify(err, exitDBWrite)
			}
			return printJSON(root.stdout, result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report changes without writing")
	return cmd
}
