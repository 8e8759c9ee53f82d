package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dissolve/api/internal/reconcile"
)

func newImportCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a consent or resident CSV",
	}
	cmd.AddCommand(newImportConsentsCmd(root))
	cmd.AddCommand(newImportResidentsCmd(root))
	return cmd
}

func newImportConsentsCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "consents <file.csv>",
		Short: "Reconcile signed consents against the resident roster",
		Args:  exactArgs(1, "<file.csv>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := reconcile.ParseFormat(format); err != nil {
				return withCode(exitUsage, fmt.Errorf("invalid --format: %w", err))
			}
			body, err := readInput(args[0])
			if err != nil {
				return err
			}
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.ImportConsents(rt.ctx, body, format)
			if err != nil {
				return classify(err, exitDBWrite)
			}
			return printJSON(root.stdout, result)
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "CSV layout: auto, simple or full")
	return cmd
}

func newImportResidentsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "residents <file.csv>",
		Short: "Upsert the resident roster and addresses",
		Args:  exactArgs(1, "<file.csv>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(args[0])
			if err != nil {
				return err
			}
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.ImportResidents(rt.ctx, body)
			if err != nil {
				return classify(err, exitDBWrite)
			}
			return printJSON(root.stdout, result)
		},
	}
}

func readInput(path string) ([]byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("read %s: %w", path, err))
	}
	return body, nil
}
