package cmd

import (
	"imgvec/internal/version"

	"github.com/spf13/cobra"
)

// newVersionCmd creates and returns the version command.
func newVersionCmd() *cobra.Command {
	var (
		short  bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Show the version, commit, build time and Go runtime of the imgvec binary.

Use --format json for machine readable output.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd, short, format)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Show only version number")
	cmd.Flags().StringVarP(&format, "format", "f", version.FormatText, "Output format (text, short, json)")
	return cmd
}

func runVersion(cmd *cobra.Command, short bool, format string) error {
	if short {
		format = version.FormatShort
	}
	return version.Get().Write(cmd.OutOrStdout(), format)
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newVersionCmd())
}
