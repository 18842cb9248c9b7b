package otad

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/ota"
)

// statusCmd is otad status.
func statusCmd() *cobra.Command {
	var impl statusImplConfig
	cmd := &cobra.Command{
		GroupID: "runtime",
		Use:     "status",
		Short:   "Show the update status of a device",
		Long: `Show the most recent update session, the boot target and any URL waiting to
be fetched.

When the --json flag is specified, the device response is printed to stdout.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.device.RegisterPflags(cmd.Flags())
	cmd.Flags().BoolVarP(&impl.json, "json", "", false, "print device JSON response directly to stdout")
	return cmd
}

type statusImplConfig struct {
	device deviceflag.Flags
	json   bool
}

func (r *statusImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	reply, raw, err := getStatus(ctx, &r.device)
	if err != nil {
		return err
	}
	if r.json {
		_, err := stdout.Write(raw)
		return err
	}
	fmt.Fprintf(stdout, "version:   %s\n", reply.Version.Brief())
	fmt.Fprintf(stdout, "boot:      slot %s, %s", reply.Boot.Slot, humanize.Bytes(uint64(reply.Boot.Length)))
	if c := reply.Boot.Committed; c != nil {
		fmt.Fprintf(stdout, ", committed %s", c.Format(time.RFC3339))
	}
	if reply.Running.Slot != reply.Boot.Slot {
		fmt.Fprintf(stdout, " (reboot pending, running slot %s)", reply.Running.Slot)
	}
	fmt.Fprintf(stdout, "\nfree:      %s\n", humanize.Bytes(uint64(reply.Free)))
	if reply.PendingURL != "" {
		fmt.Fprintf(stdout, "pending:   %s\n", reply.PendingURL)
	}
	fmt.Fprintf(stdout, "session:   %s\n", formatStatus(reply.Session))
	return nil
}

func formatStatus(st ota.Status) string {
	if st.State == ota.Idle {
		return "none"
	}
	s := fmt.Sprintf("%v via %s", st.State, st.Source)
	if st.URL != "" {
		s += " from " + st.URL
	}
	s += ": " + humanize.Bytes(uint64(st.Written))
	if st.Expected > 0 {
		of := " of "
		if st.Estimated {
			of = " of ~"
		}
		s += of + humanize.Bytes(uint64(st.Expected))
	}
	if st.State.Terminal() {
		s += fmt.Sprintf(" in %v", st.Duration().Round(time.Millisecond))
	}
	if st.Error != "" {
		s += " (" + st.Error + ")"
	}
	return s
}
