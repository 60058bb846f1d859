package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitsync/backend/internal/config"
)

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Dump(c.cfg)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if file := c.loader.ConfigFile(); file != "" {
				fmt.Fprintf(w, "# %s\n", file)
			}
			_, err = w.Write(out)
			return err
		},
	}
}
