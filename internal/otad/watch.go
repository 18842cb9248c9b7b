package otad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/donovanhide/eventsource"
	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/ota"
)

// watchCmd is otad watch.
func watchCmd() *cobra.Command {
	var impl watchImplConfig
	cmd := &cobra.Command{
		GroupID: "runtime",
		Use:     "watch",
		Short:   "Follow update progress on a device",
		Long: `Display update session progress as the device reports it. otad watch returns
once a session ended, or keeps running with --follow (cancel any time with
Ctrl-C).
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.device.RegisterPflags(cmd.Flags())
	cmd.Flags().BoolVarP(&impl.follow, "follow", "f", false, "keep watching after a session ended")
	return cmd
}

type watchImplConfig struct {
	device deviceflag.Flags
	follow bool
}

func (r *watchImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	// On connect the device replays the latest status, which may describe a
	// session that ended before watching started.
	var stale string
	reply, _, err := getStatus(ctx, &r.device)
	if err != nil {
		return err
	}
	if reply.Session.State.Terminal() {
		stale = reply.Session.ID
	}

	baseURL, err := r.device.BaseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest("GET", baseURL.JoinPath("update", "events").String(), nil)
	if err != nil {
		return err
	}
	stream, err := eventsource.SubscribeWith("", r.device.HTTPClient(), req)
	if err != nil {
		var se eventsource.SubscriptionError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return fmt.Errorf("%s does not publish update events (HTTP code 404)", r.device.Device)
		}
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-stream.Events:
			var st ota.Status
			if err := json.Unmarshal([]byte(ev.Data()), &st); err != nil {
				return fmt.Errorf("decoding status event: %v", err)
			}
			fmt.Fprintln(stdout, formatStatus(st))
			if !r.follow && st.State.Terminal() && st.ID != stale {
				return nil
			}
		case err := <-stream.Errors:
			log.Printf("event streaming error: %v", err)
		}
	}
}
