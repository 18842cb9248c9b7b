package otad

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/version"
)

// versionCmd is otad version.
func versionCmd() *cobra.Command {
	var impl versionImplConfig
	return &cobra.Command{
		Use:   "version",
		Short: "Print otad version",
		Long:  `Print otad version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
}

type versionImplConfig struct{}

func (r *versionImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "%s\n", version.Read())
	return nil
}
