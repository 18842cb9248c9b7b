package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stofradar/ota/internal/ota"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestObserve(t *testing.T) {
	m := New()
	start := time.Now().Add(-2 * time.Second)

	m.Observe(ota.Status{Source: ota.SourcePush, State: ota.Sizing, Started: start})
	if got, want := testutil.ToFloat64(m.Active), 1.0; got != want {
		t.Errorf("active = %v, want %v", got, want)
	}
	m.Observe(ota.Status{Source: ota.SourcePush, State: ota.Writing, Written: 4096, Capacity: 1 << 20, Started: start})
	if got, want := testutil.ToFloat64(m.Progress), 4096.0; got != want {
		t.Errorf("progress = %v, want %v", got, want)
	}
	m.Observe(ota.Status{
		Source:   ota.SourcePush,
		State:    ota.Succeeded,
		Written:  10000,
		Started:  start,
		Finished: timePtr(start.Add(2 * time.Second)),
	})
	m.Observe(ota.Status{
		Source:   ota.SourcePull,
		State:    ota.Failed,
		Written:  500,
		Started:  start,
		Finished: timePtr(start.Add(time.Second)),
	})

	if got, want := testutil.ToFloat64(m.Active), 0.0; got != want {
		t.Errorf("active = %v, want %v", got, want)
	}
	if got, want := testutil.ToFloat64(m.Capacity), float64(1<<20); got != want {
		t.Errorf("capacity = %v, want %v", got, want)
	}
	for _, tt := range []struct {
		source, outcome string
		want            float64
	}{
		{ota.SourcePush, "Succeeded", 1},
		{ota.SourcePull, "Failed", 1},
		{ota.SourcePush, "Failed", 0},
	} {
		if got := testutil.ToFloat64(m.Sessions.WithLabelValues(tt.source, tt.outcome)); got != tt.want {
			t.Errorf("sessions{%s,%s} = %v, want %v", tt.source, tt.outcome, got, tt.want)
		}
	}
	if got, want := testutil.ToFloat64(m.BytesWritten.WithLabelValues(ota.SourcePush)), 10000.0; got != want {
		t.Errorf("bytes written (push) = %v, want %v", got, want)
	}
	if got, want := testutil.CollectAndCount(m.SessionDuration), 2; got != want {
		t.Errorf("duration series = %d, want %d", got, want)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPending(true)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "ota_pending_url 1") {
		t.Errorf("metrics output does not contain ota_pending_url 1:\n%s", b)
	}
}

func TestPendingGauge(t *testing.T) {
	m := New()
	var st ota.PendingObserver = m
	st.ObservePending("http://firmware.example.com/next.bin", true)
	if got, want := testutil.ToFloat64(m.PendingURL), 1.0; got != want {
		t.Errorf("pending after submit = %v, want %v", got, want)
	}
	st.ObservePending("http://firmware.example.com/next.bin", false)
	if got, want := testutil.ToFloat64(m.PendingURL), 0.0; got != want {
		t.Errorf("pending after tick = %v, want %v", got, want)
	}
}
