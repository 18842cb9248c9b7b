package ota

import (
	"errors"
	"testing"

	"github.com/stofradar/ota/internal/otaerr"
)

func TestPlan(t *testing.T) {
	for _, tt := range []struct {
		name      string
		planner   Planner
		free      int64
		announced int64
		known     bool
		want      int64
		wantErr   otaerr.Kind
	}{
		{
			name:    "aligned down",
			planner: DefaultPlanner(),
			free:    1_000_000,
			want:    (1_000_000 - 0x1000) &^ 0xfff,
		},
		{
			name:    "exact sectors",
			planner: DefaultPlanner(),
			free:    0x10000,
			want:    0xf000,
		},
		{
			name:    "only the margin is free",
			planner: DefaultPlanner(),
			free:    0x1000,
			wantErr: otaerr.InsufficientSpace,
		},
		{
			name:    "less than one sector after margin",
			planner: DefaultPlanner(),
			free:    0x1fff,
			wantErr: otaerr.InsufficientSpace,
		},
		{
			name:      "announced length fits",
			planner:   DefaultPlanner(),
			free:      0x10000,
			announced: 0xf000,
			known:     true,
			want:      0xf000,
		},
		{
			name:      "announced length too large",
			planner:   DefaultPlanner(),
			free:      0x10000,
			announced: 0xf001,
			known:     true,
			wantErr:   otaerr.InsufficientSpace,
		},
		{
			name:      "unknown length is not checked",
			planner:   DefaultPlanner(),
			free:      0x10000,
			announced: 1 << 30,
			want:      0xf000,
		},
		{
			name:    "byte granular",
			planner: Planner{EraseUnit: 1},
			free:    1_000_000,
			want:    1_000_000,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.planner.Plan(tt.free, tt.announced, tt.known)
			if tt.wantErr != otaerr.Unknown {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Plan: got err %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Plan = %#x, want %#x", got, tt.want)
			}
		})
	}
}
