package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gokrazy/updater"
	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/ota"
	"github.com/stofradar/ota/internal/otaerr"
)

const (
	testPassword = "secret"
	runningLen   = 4096
	capacity     = 100_000
)

type testDevice struct {
	u        *ota.Updater
	dev      *flash.FileDevice
	ts       *httptest.Server
	rebooted chan struct{}
}

func image(n int) []byte {
	b := bytes.Repeat([]byte{0x42}, n)
	b[0] = flash.ImageMagic
	return b
}

func newTestDevice(t *testing.T, cfg Config) *testDevice {
	t.Helper()
	dev, err := flash.Init(t.TempDir(), runningLen+capacity, 4096, bytes.NewReader(image(runningLen)))
	if err != nil {
		t.Fatal(err)
	}
	logger := log.New(io.Discard, "", 0)
	rebooted := make(chan struct{}, 1)
	pub := NewPublisher(logger)
	u := ota.New(flash.NewStager(dev, flash.ImageMagic), ota.Config{
		Planner:   ota.Planner{EraseUnit: 1},
		Logger:    logger,
		Observers: []ota.Observer{pub},
		Rebooter: ota.RebooterFunc(func() error {
			rebooted <- struct{}{}
			return nil
		}),
	})
	cfg.Logger = logger
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	ts := httptest.NewServer(New(u, pub, cfg))
	t.Cleanup(ts.Close)
	t.Cleanup(pub.Close)
	return &testDevice{u: u, dev: dev, ts: ts, rebooted: rebooted}
}

func (d *testDevice) expectReboot(t *testing.T) {
	t.Helper()
	select {
	case <-d.rebooted:
	case <-time.After(5 * time.Second):
		t.Fatal("device did not reboot")
	}
}

// noRedirect is an HTTP client which reports redirects instead of
// following them.
var noRedirect = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func uploadForm(t *testing.T, fields map[string]string, firmware []byte) (body io.Reader, contentType string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"type", "url"} {
		if v, ok := fields[name]; ok {
			if err := mw.WriteField(name, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	if firmware != nil {
		fw, err := mw.CreateFormFile("firmware", "firmware.bin")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(firmware); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (d *testDevice) post(t *testing.T, fields map[string]string, firmware []byte, auth bool) *http.Response {
	t.Helper()
	body, contentType := uploadForm(t, fields, firmware)
	req, err := http.NewRequest("POST", d.ts.URL+"/update", body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	if auth {
		req.SetBasicAuth(User, testPassword)
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpdatePage(t *testing.T) {
	d := newTestDevice(t, Config{RequireAuth: true})
	resp, err := http.Get(d.ts.URL + "/update")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("GET /update: status %v, want %v", got, want)
	}
	if !bytes.Contains(b, []byte(`name="firmware"`)) {
		t.Errorf("upload page does not contain the firmware field")
	}
}

func TestUploadForm(t *testing.T) {
	d := newTestDevice(t, Config{RequireAuth: true, RebootAfterUpload: true})
	img := image(50_000)
	resp := d.post(t, map[string]string{"type": "local"}, img, true)
	if got, want := resp.StatusCode, http.StatusSeeOther; got != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /update: status %v, want %v (body %q)", got, want, b)
	}
	if got, want := resp.Header.Get("Location"), "/update"; got != want {
		t.Errorf("redirect to %q, want %q", got, want)
	}
	boot := d.dev.Boot()
	if got, want := boot.Slot, "b"; got != want {
		t.Errorf("boot slot = %q, want %q", got, want)
	}
	if got, want := boot.SHA256, fmt.Sprintf("%x", sha256.Sum256(img)); got != want {
		t.Errorf("boot record SHA-256 = %s, want %s", got, want)
	}
	d.expectReboot(t)
}

func TestUploadFormErrors(t *testing.T) {
	for _, tt := range []struct {
		name     string
		fields   map[string]string
		firmware []byte
		auth     bool
		want     int
	}{
		{
			name:     "Unauthorized",
			fields:   map[string]string{"type": "local"},
			firmware: image(1000),
			want:     http.StatusUnauthorized,
		},
		{
			name:     "TooLarge",
			fields:   map[string]string{"type": "local"},
			firmware: image(capacity + 1),
			auth:     true,
			want:     http.StatusRequestEntityTooLarge,
		},
		{
			name:     "BadMagic",
			fields:   map[string]string{"type": "local"},
			firmware: bytes.Repeat([]byte{1}, 1000),
			auth:     true,
			want:     http.StatusUnprocessableEntity,
		},
		{
			name:   "NoFile",
			fields: map[string]string{"type": "local"},
			auth:   true,
			want:   http.StatusBadRequest,
		},
		{
			name:   "UnknownType",
			fields: map[string]string{"type": "ftp"},
			auth:   true,
			want:   http.StatusBadRequest,
		},
		{
			name:   "BadURL",
			fields: map[string]string{"type": "url", "url": "ftp://example.com/fw.bin"},
			auth:   true,
			want:   http.StatusBadRequest,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, Config{RequireAuth: true, RebootAfterUpload: true})
			resp := d.post(t, tt.fields, tt.firmware, tt.auth)
			if got := resp.StatusCode; got != tt.want {
				t.Errorf("POST /update: status %v, want %v", got, tt.want)
			}
			if got, want := d.dev.Boot().Slot, "a"; got != want {
				t.Errorf("boot slot = %q, want %q", got, want)
			}
			if _, ok := d.u.Pending(); ok {
				t.Errorf("failed request left a pending URL")
			}
		})
	}
}

func TestUploadFormURL(t *testing.T) {
	d := newTestDevice(t, Config{RequireAuth: true})
	const fwURL = "https://firmware.example.com/v2.bin"
	resp := d.post(t, map[string]string{"type": "url", "url": fwURL}, []byte{}, true)
	if got, want := resp.StatusCode, http.StatusSeeOther; got != want {
		t.Fatalf("POST /update: status %v, want %v", got, want)
	}
	if got, ok := d.u.Pending(); !ok || got != fwURL {
		t.Errorf("Pending() = %q, %v; want %q", got, ok, fwURL)
	}
	if d.u.Busy() {
		t.Errorf("URL submission started a session before the scheduler tick")
	}
}

func TestGokrazyProtocol(t *testing.T) {
	d := newTestDevice(t, Config{RequireAuth: true})
	baseURL := strings.Replace(d.ts.URL, "http://", "http://"+User+":"+testPassword+"@", 1) + "/"
	target, err := updater.NewTarget(baseURL, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	img := image(60_000)
	if err := target.StreamTo("firmware", bytes.NewReader(img)); err != nil {
		t.Fatal(err)
	}
	if err := target.Switch(); err != nil {
		t.Fatal(err)
	}
	if got, want := d.dev.Boot().Length, int64(len(img)); got != want {
		t.Errorf("committed length = %d, want %d", got, want)
	}
	if err := target.Reboot(); err != nil {
		t.Fatal(err)
	}
	d.expectReboot(t)
}

func TestStreamHash(t *testing.T) {
	img := image(10_000)
	for _, tt := range []struct {
		header string
		want   string
	}{
		{"", fmt.Sprintf("%x", sha256.Sum256(img))},
		{"crc32", fmt.Sprintf("%08x", crc32.ChecksumIEEE(img))},
	} {
		t.Run("hash="+tt.header, func(t *testing.T) {
			d := newTestDevice(t, Config{RequireAuth: true})
			req, err := http.NewRequest("PUT", d.ts.URL+"/update/firmware", bytes.NewReader(img))
			if err != nil {
				t.Fatal(err)
			}
			req.SetBasicAuth(User, testPassword)
			if tt.header != "" {
				req.Header.Set("X-Gokrazy-Update-Hash", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := resp.StatusCode, http.StatusOK; got != want {
				t.Fatalf("PUT: status %v, want %v (body %q)", got, want, b)
			}
			if got := string(b); got != tt.want {
				t.Errorf("PUT reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamUnknownDestination(t *testing.T) {
	d := newTestDevice(t, Config{})
	req, err := http.NewRequest("PUT", d.ts.URL+"/update/mbr", bytes.NewReader(image(512)))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusNotFound; got != want {
		t.Errorf("PUT /update/mbr: status %v, want %v", got, want)
	}
}

func TestSwitchWithoutUpdate(t *testing.T) {
	d := newTestDevice(t, Config{})
	resp, err := http.Post(d.ts.URL+"/update/switch", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusConflict; got != want {
		t.Errorf("POST /update/switch: status %v, want %v", got, want)
	}
}

func TestRebootGet(t *testing.T) {
	t.Run("RequiresAuth", func(t *testing.T) {
		d := newTestDevice(t, Config{RequireAuth: true})
		resp, err := noRedirect.Get(d.ts.URL + "/reboot")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got, want := resp.StatusCode, http.StatusUnauthorized; got != want {
			t.Errorf("GET /reboot: status %v, want %v", got, want)
		}
		select {
		case <-d.rebooted:
			t.Errorf("device rebooted without credentials")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("AllowUnauthenticated", func(t *testing.T) {
		d := newTestDevice(t, Config{RequireAuth: true, AllowUnauthenticatedReboot: true})
		resp, err := noRedirect.Get(d.ts.URL + "/reboot")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got, want := resp.StatusCode, http.StatusSeeOther; got != want {
			t.Errorf("GET /reboot: status %v, want %v", got, want)
		}
		if got, want := resp.Header.Get("Location"), "/update"; got != want {
			t.Errorf("redirect to %q, want %q", got, want)
		}
		d.expectReboot(t)
	})
}

func TestStatus(t *testing.T) {
	d := newTestDevice(t, Config{})
	img := image(20_000)
	if _, err := d.u.Run(context.Background(), &ota.PushUpload{Body: bytes.NewReader(img), Length: int64(len(img))}); err != nil {
		t.Fatal(err)
	}
	if err := d.u.SubmitURL("http://firmware.example.com/next.bin"); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(d.ts.URL + "/update/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var reply StatusReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply.Session.State, ota.Succeeded; got != want {
		t.Errorf("session state = %v, want %v", got, want)
	}
	if got, want := reply.Session.Written, int64(len(img)); got != want {
		t.Errorf("session written = %d, want %d", got, want)
	}
	if got, want := reply.Boot.Slot, "b"; got != want {
		t.Errorf("boot slot = %q, want %q", got, want)
	}
	// Slot a keeps running until the device reboots.
	if got, want := reply.Running.Slot, "a"; got != want {
		t.Errorf("running slot = %q, want %q", got, want)
	}
	if got, want := reply.PendingURL, "http://firmware.example.com/next.bin"; got != want {
		t.Errorf("pending URL = %q, want %q", got, want)
	}
}

func TestStatusCode(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want int
	}{
		{otaerr.Errorf(otaerr.DeviceBusy, "begin", "busy"), http.StatusConflict},
		{otaerr.Errorf(otaerr.InsufficientSpace, "plan", "full"), http.StatusRequestEntityTooLarge},
		{otaerr.Errorf(otaerr.CapacityExceeded, "write", "full"), http.StatusRequestEntityTooLarge},
		{otaerr.Errorf(otaerr.SourceUnavailable, "read", "eof"), http.StatusBadGateway},
		{otaerr.Errorf(otaerr.VerificationFailed, "finalize", "magic"), http.StatusUnprocessableEntity},
		{otaerr.Errorf(otaerr.WriteFailed, "write", "io"), http.StatusInternalServerError},
		{otaerr.Errorf(otaerr.CommitFailed, "commit", "io"), http.StatusInternalServerError},
		{ota.ErrAborted, http.StatusConflict},
		{errors.New("other"), http.StatusInternalServerError},
	} {
		if got := statusCode(tt.err); got != tt.want {
			t.Errorf("statusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
