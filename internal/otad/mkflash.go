package otad

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/flash"
)

// mkflashCmd is otad mkflash.
func mkflashCmd() *cobra.Command {
	var impl mkflashImplConfig
	cmd := &cobra.Command{
		GroupID: "device",
		Use:     "mkflash",
		Short:   "Provision a flash directory with a running image",
		Long: `otad mkflash creates the two-slot flash directory otad serve writes updates to.
The given image becomes the running image in slot a.

Examples:
  % otad mkflash --dir /perm/otad/flash --flash_size 4194304 --image firmware.bin
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	cmd.Flags().StringVarP(&impl.dir, "dir", "", "", "flash directory to create")
	cmd.Flags().Int64VarP(&impl.flashSize, "flash_size", "", 4<<20, "size of the flash region available for firmware, in bytes")
	cmd.Flags().Int64VarP(&impl.eraseUnit, "erase_unit", "", 0x1000, "flash erase unit (sector size), in bytes")
	cmd.Flags().StringVarP(&impl.image, "image", "", "", "running firmware image (defaults to an empty image)")
	return cmd
}

type mkflashImplConfig struct {
	dir       string
	flashSize int64
	eraseUnit int64
	image     string
}

func (r *mkflashImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if r.dir == "" {
		return fmt.Errorf("the --dir flag is empty, but required")
	}
	var running io.Reader = strings.NewReader("")
	if r.image != "" {
		f, err := os.Open(r.image)
		if err != nil {
			return err
		}
		defer f.Close()
		running = f
	}
	dev, err := flash.Init(r.dir, r.flashSize, r.eraseUnit, running)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "flash directory %s ready: flash %s, running image %s, free for updates %s\n",
		dev.Dir(),
		humanize.Bytes(uint64(dev.FlashSize())),
		humanize.Bytes(uint64(dev.SketchSize())),
		humanize.Bytes(uint64(dev.FreeSketchSpace())))
	return nil
}
