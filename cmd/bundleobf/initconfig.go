package main

import (
	"github.com/spf13/cobra"

	cfgpkg "bundleobf/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a default bundleobf.yaml and a .env template (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			written, err := cfgpkg.WriteTemplates(nil, dir, "")
			if err != nil {
				return fail(exitConfig, "init-config: %w", err)
			}
			if len(written) == 0 {
				fprintf(a.stderr, "nothing written: files already exist in %s\n", dir)
			}
			for _, p := range written {
				fprintf(a.stdout, "%s\n", p)
			}
			return nil
		},
	}
}
