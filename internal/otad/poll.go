package otad

import (
	"context"
	"fmt"
	"time"

	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/ota"
)

// pollRebooted returns nil once the device came back from a reboot into
// the image with SHA-256 wantSHA256. A restarted daemon has no session yet,
// which distinguishes it from the one that accepted the image.
func pollRebooted(ctx context.Context, device *deviceflag.Flags, wantSHA256 string) error {
	// Cap each individual poll request to 5 seconds.
	ctx, canc := context.WithTimeout(ctx, 5*time.Second)
	defer canc()
	reply, _, err := getStatus(ctx, device)
	if err != nil {
		return err
	}
	if got := reply.Session.State; got != ota.Idle {
		return fmt.Errorf("device has not rebooted yet (last session %v)", got)
	}
	if got, want := reply.Running.SHA256, wantSHA256; got != want {
		return fmt.Errorf("device runs image %.12s, want %.12s", got, want)
	}
	return nil
}
