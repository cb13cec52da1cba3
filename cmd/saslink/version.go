package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/saslink/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), info.String()); err != nil {
				return err
			}
			if info.Revision == "" {
				return nil
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "revision %s %s modified=%t\n", info.Revision, info.Time.Format(time.RFC3339), info.Modified)
			return err
		},
	}
}
