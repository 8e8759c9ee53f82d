package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:       "export <residents|consents>",
		Short:     "Write residents or consents as CSV",
		Args:      exactArgs(1, "<residents|consents>"),
		ValidArgs: []string{"residents", "consents"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := strings.ToLower(strings.TrimSpace(args[0]))
			if kind != "residents" && kind != "consents" {
				return withCode(exitUsage, fmt.Errorf("unknown export %q (residents|consents)", args[0]))
			}
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			write := rt.service.ExportResidents
			if kind == "consents" {
				write = rt.service.ExportConsents
			}
			if strings.TrimSpace(out) == "" || out == "-" {
				return classify(write(rt.ctx, root.stdout), exitDB)
			}
			return writeFile(rt.ctx, out, write)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

// writeFile writes to a temp file next to path and renames it into place.
func writeFile(ctx context.Context, path string, write func(context.Context, io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return withCode(exitUsage, fmt.Errorf("mkdir %s: %w", dir, err))
	}
	tmp, err := os.CreateTemp(dir, ".export-*.csv")
	if err != nil {
		return withCode(exitUsage, fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if err := write(ctx, tmp); err != nil {
		tmp.Close()
		return classify(err, exitDB)
	}
	if err := tmp.Close(); err != nil {
		return withCode(exitUsage, fmt.Errorf("close %s: %w", tmp.Name(), err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return withCode(exitUsage, fmt.Errorf("rename to %s: %w", path, err))
	}
	return nil
}
