package main

import (
	"fmt"

	"github.com/parker-ryan1/photo/pkg/captureconfig"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default capture config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if err := captureconfig.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
