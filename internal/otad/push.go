package otad

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gokrazy/updater"
	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/measure"
)

// pushCmd is otad push.
func pushCmd() *cobra.Command {
	var impl pushImplConfig
	cmd := &cobra.Command{
		GroupID: "update",
		Use:     "push",
		Short:   "Push a firmware image to a device",
		Long: `otad push streams a firmware image to the inactive slot of a device, which
verifies and commits it. Unless --reboot=false is given, the device then
reboots into the new image.

Examples:
  % otad push --device esp-livingroom --image build/firmware.bin
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.device.RegisterPflags(cmd.Flags())
	cmd.Flags().StringVarP(&impl.image, "image", "", "", "path to the firmware image to push")
	cmd.Flags().BoolVarP(&impl.reboot, "reboot", "", true, "reboot the device into the new image")
	cmd.Flags().DurationVarP(&impl.wait, "wait", "", 5*time.Minute, "how long to wait for the device to come back after rebooting (0 disables waiting)")
	return cmd
}

type pushImplConfig struct {
	device deviceflag.Flags
	image  string
	reboot bool
	wait   time.Duration
}

func (r *pushImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if r.image == "" {
		return fmt.Errorf("the --image flag is empty, but required")
	}
	baseURL, err := r.device.BaseURL()
	if err != nil {
		return err
	}
	f, err := os.Open(r.image)
	if err != nil {
		return err
	}
	defer f.Close()

	done := measure.Interactively(stdout, "connecting to "+r.device.Device)
	target, err := updater.NewTarget(baseURL.String(), r.device.HTTPClient())
	if err != nil {
		return fmt.Errorf("connecting to %s: %v", r.device.Device, err)
	}
	done("")

	sum, err := pushWithProgress(f, target, stdout)
	if err != nil {
		return err
	}
	if err := target.Switch(); err != nil {
		return fmt.Errorf("switching to the new image: %v", err)
	}

	if !r.reboot {
		fmt.Fprintf(stdout, "Image committed, reboot the device to run it (otad reboot)\n")
		return nil
	}
	fmt.Fprintf(stdout, "Triggering reboot\n")
	if err := target.Reboot(); err != nil {
		return fmt.Errorf("reboot: %v", err)
	}
	if r.wait <= 0 {
		return nil
	}

	fmt.Fprintf(stdout, "Updated, waiting %v for the device to become reachable (cancel with Ctrl-C any time)\n", r.wait)
	pollctx, canc := context.WithTimeout(ctx, r.wait)
	defer canc()
	for {
		if err := pollctx.Err(); err != nil {
			return fmt.Errorf("device did not come back after update (%v)", err)
		}
		if err := pollRebooted(pollctx, &r.device, sum); err != nil {
			log.Printf("device not yet ready: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		fmt.Fprintf(stdout, "Device ready to use!\n")
		return nil
	}
}

// pushWithProgress streams f to the device and returns its hex SHA-256.
func pushWithProgress(f *os.File, target *updater.Target, stdout io.Writer) (string, error) {
	start := time.Now()
	var total uint64
	if st, err := f.Stat(); err == nil {
		total = uint64(st.Size())
	}
	prog := newProgressWriter(stdout, "push firmware", total)
	h := sha256.New()
	if err := target.StreamTo("firmware", io.TeeReader(f, io.MultiWriter(h, prog))); err != nil {
		return "", fmt.Errorf("pushing firmware: %w", err)
	}
	duration := time.Since(start)
	transferred := prog.Done()
	fmt.Fprintf(stdout, "\nTransferred firmware (%s) at %.2f MiB/s (total: %v)\n",
		humanize.Bytes(transferred),
		float64(transferred)/duration.Seconds()/1024/1024,
		duration.Round(time.Millisecond))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
