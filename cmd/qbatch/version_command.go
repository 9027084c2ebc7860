package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version 由构建时注入：-ldflags "-X main.version=v1.2.3"
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "qbatch %s\n", version)
			return err
		},
	}
}
