package otad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/httpapi"
	"github.com/stofradar/ota/internal/ota"
)

func TestPollRebooted(t *testing.T) {
	const sum = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	for _, tt := range []struct {
		name    string
		reply   httpapi.StatusReply
		wantErr string
	}{
		{
			name: "Rebooted",
			reply: httpapi.StatusReply{
				Session: ota.Status{State: ota.Idle},
				Boot:    flash.BootRecord{Slot: "b", SHA256: sum},
				Running: flash.BootRecord{Slot: "b", SHA256: sum},
			},
		},
		{
			name: "NotYetRebooted",
			reply: httpapi.StatusReply{
				Session: ota.Status{State: ota.Succeeded},
				Boot:    flash.BootRecord{Slot: "b", SHA256: sum},
				Running: flash.BootRecord{Slot: "a", SHA256: "0000"},
			},
			wantErr: "not rebooted yet",
		},
		{
			name: "CommittedNotRunning",
			reply: httpapi.StatusReply{
				Session: ota.Status{State: ota.Idle},
				Boot:    flash.BootRecord{Slot: "b", SHA256: sum},
				Running: flash.BootRecord{Slot: "a", SHA256: "0000"},
			},
			wantErr: "runs image",
		},
		{
			name: "RolledBack",
			reply: httpapi.StatusReply{
				Session: ota.Status{State: ota.Idle},
				Boot:    flash.BootRecord{Slot: "a", SHA256: "0000"},
				Running: flash.BootRecord{Slot: "a", SHA256: "0000"},
			},
			wantErr: "runs image",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/update/status" {
					http.NotFound(w, r)
					return
				}
				json.NewEncoder(w).Encode(&tt.reply)
			}))
			defer srv.Close()
			device := &deviceflag.Flags{Device: srv.URL}
			err := pollRebooted(context.Background(), device, sum)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("pollRebooted() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
