// Package otad implements the otad command line: the device daemon (otad
// serve) and the client commands that operate a device over the network.
package otad

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stofradar/ota/internal/version"
)

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otad",
		Short: "over-the-air firmware updates for two-slot flash devices",
		Long: `otad stages firmware images into the inactive slot of a device and switches
the boot target once the image is verified. It is both the daemon running on
the device and the client to update it:

1. Run the update daemon on the device (otad serve),
2. Push a firmware image to a device (otad push),
3. Have a device download an image by itself (otad fetch),
4. Follow an update in progress (otad watch, otad status).
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Fprintln(cmd.OutOrStdout(), version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "device",
		Title: "Commands to run on the device:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "update",
		Title: "Commands to update a device over the network:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "runtime",
		Title: "Commands to inspect a running device:",
	})
	rootCmd.Flags().Bool("version", false, "print otad version")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mkflashCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(rebootCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}
