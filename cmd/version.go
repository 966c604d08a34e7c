package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewVersionCommand returns a command printing the version and build time.
func NewVersionCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(stdout, "streamcorpus_pipeline %s, built %s\n", Version, BuildTime)
			return err
		},
	}
}

func init() {
	subcommandFns["version"] = NewVersionCommand
}
