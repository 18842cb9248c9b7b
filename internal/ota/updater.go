// Package ota implements the over-the-air firmware update subsystem: it
// sizes the staging region, streams an image from one of the ingestion
// sources into flash, verifies and commits it, and triggers the reboot into
// the new image.
//
// All process-wide update state (the staging writer, the pull client and
// the pending-URL slot) lives in one explicitly constructed Updater.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/otaerr"
)

// ErrNotSucceeded is returned by RebootAfterUpdate when there is no
// successfully committed image to boot into.
var ErrNotSucceeded = errors.New("no successful update session to reboot into")

// An Observer is told about every session state change and about progress
// at every ProgressUnit boundary. Observe must not block.
type Observer interface {
	Observe(Status)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Status)

func (f ObserverFunc) Observe(st Status) { f(st) }

// A PendingObserver is additionally told when a URL is submitted for the
// next scheduler tick and when a tick takes it. Observers in Config.Observers
// that implement it are called outside of the Updater's lock.
type PendingObserver interface {
	ObservePending(rawURL string, pending bool)
}

// Config configures an Updater.
type Config struct {
	Planner Planner

	// ReadBufferSize bounds the chunk size of pull sources.
	ReadBufferSize int

	// ProgressUnit is the byte interval at which observers receive progress
	// updates. Defaults to the erase unit.
	ProgressUnit int64

	// Client fetches Pull-By-URL sources. Defaults to a client with peer
	// verification enabled.
	Client *http.Client

	Rebooter    Rebooter
	RebootDelay time.Duration

	Logger    *log.Logger
	Observers []Observer
}

// Updater is the update subsystem context. It is created once at startup
// and lives for the lifetime of the process.
type Updater struct {
	cfg    Config
	stager *flash.Stager
	client *http.Client
	log    *log.Logger

	mu         sync.Mutex
	current    *Session
	pending    string
	hasPending bool
	rebooting  bool
}

// New returns an Updater that stages images through stager.
func New(stager *flash.Stager, cfg Config) *Updater {
	u := &Updater{
		cfg:    cfg,
		stager: stager,
		client: cfg.Client,
		log:    cfg.Logger,
	}
	if u.client == nil {
		u.client = NewPullClient(PullOptions{VerifyPeer: true, FollowRedirects: true})
	}
	if u.log == nil {
		u.log = log.Default()
	}
	if u.cfg.ReadBufferSize <= 0 {
		u.cfg.ReadBufferSize = DefaultReadBufferSize
	}
	return u
}

// Device returns the flash device updates are written to.
func (u *Updater) Device() flash.Device { return u.stager.Device() }

func (u *Updater) progressUnit() int64 {
	if n := u.cfg.ProgressUnit; n > 0 {
		return n
	}
	if n := u.cfg.Planner.EraseUnit; n > 0 {
		return n
	}
	return DefaultEraseUnit
}

func (u *Updater) notify(st Status) {
	for _, o := range u.cfg.Observers {
		o.Observe(st)
	}
}

func (u *Updater) notifyPending(rawURL string, pending bool) {
	for _, o := range u.cfg.Observers {
		if po, ok := o.(PendingObserver); ok {
			po.ObservePending(rawURL, pending)
		}
	}
}

func (u *Updater) finish(st Status) {
	dur := st.Duration()
	switch st.State {
	case Succeeded:
		u.log.Printf("update %s: done, took %v: wrote %s at %.2f MiB/s, next boot: slot %s",
			st.ID,
			dur.Round(time.Millisecond),
			humanize.Bytes(uint64(st.Written)),
			float64(st.Written)/dur.Seconds()/1024/1024,
			st.Boot.Slot)
	case Failed:
		u.log.Printf("update %s: failed after %v (%s written): %s",
			st.ID,
			dur.Round(time.Millisecond),
			humanize.Bytes(uint64(st.Written)),
			st.Error)
	case Aborted:
		u.log.Printf("update %s: aborted after %s", st.ID, humanize.Bytes(uint64(st.Written)))
	}
	u.notify(st)
}

// Current returns the most recent session, or nil if there was none.
func (u *Updater) Current() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Status returns the status of the most recent session, or an Idle status.
func (u *Updater) Status() Status {
	if s := u.Current(); s != nil {
		return s.Status()
	}
	return Status{State: Idle}
}

// Busy reports whether a session is in a non-terminal state.
func (u *Updater) Busy() bool {
	s := u.Current()
	return s != nil && !s.State().Terminal()
}

func (u *Updater) newSession(name, rawURL string) *Session {
	return &Session{
		u:       u,
		id:      uuid.NewString(),
		source:  name,
		url:     rawURL,
		state:   Sizing,
		started: time.Now(),
	}
}

// install makes s the current session unless another one is still active.
func (u *Updater) install(s *Session) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cur := u.current; cur != nil {
		if state := cur.State(); !state.Terminal() {
			return otaerr.Errorf(otaerr.DeviceBusy, "begin", "session %s is %v", cur.ID(), state)
		}
	}
	u.current = s
	return nil
}

// Begin starts a session for src: it sizes the staging region and opens the
// writer. The returned session is in state Writing; the caller delivers the
// image either with Session.Feed or Session.Pump.
//
// A Begin while another session is active is rejected with DeviceBusy and
// leaves the active session untouched.
func (u *Updater) Begin(src Source) (*Session, error) {
	return u.begin(src, "")
}

func (u *Updater) begin(src Source, rawURL string) (*Session, error) {
	dev := u.stager.Device()
	s := u.newSession(src.Name(), rawURL)
	s.expected, s.known = src.ExpectedLength()
	if !s.known {
		// Placeholder ceiling for progress reporting only.
		s.expected = dev.Running().Length
		s.estimated = true
	}
	if d, ok := src.(Digester); ok {
		s.wantMD5 = d.ExpectedMD5()
	}
	if err := u.install(s); err != nil {
		return nil, err
	}
	u.notify(s.Status())

	free := dev.FreeSketchSpace()
	capacity, err := u.cfg.Planner.Plan(free, s.expected, s.known)
	if err != nil {
		s.fail(err)
		return s, err
	}
	h, err := u.stager.Open(capacity)
	if err != nil {
		s.fail(err)
		return s, err
	}
	u.log.Printf("update %s: begin %s, free=%s, running image=%s, capacity=%s",
		s.id,
		src.Name(),
		humanize.Bytes(uint64(free)),
		humanize.Bytes(uint64(dev.Running().Length)),
		humanize.Bytes(uint64(capacity)))
	if err := s.startWriting(h, capacity); err != nil {
		return s, err
	}
	return s, nil
}

// Run begins a session for src and streams it to completion.
func (u *Updater) Run(ctx context.Context, src Source) (*Session, error) {
	s, err := u.Begin(src)
	if err != nil {
		return s, err
	}
	return s, s.Pump(ctx, src)
}

// Pull fetches the image at rawURL and stages it. A connection failure
// ends the attempt with SourceUnavailable before anything is written.
func (u *Updater) Pull(ctx context.Context, rawURL string) (*Session, error) {
	if cur := u.Current(); cur != nil {
		if state := cur.State(); !state.Terminal() {
			return nil, otaerr.Errorf(otaerr.DeviceBusy, "pull", "session %s is %v", cur.ID(), state)
		}
	}
	src, err := OpenURL(ctx, u.client, rawURL, u.cfg.ReadBufferSize)
	if err != nil {
		s := u.newSession(pullSourceName(rawURL), rawURL)
		if ierr := u.install(s); ierr != nil {
			return nil, ierr
		}
		s.fail(err)
		return s, err
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}
	s, err := u.begin(src, rawURL)
	if err != nil {
		return s, err
	}
	return s, s.Pump(ctx, src)
}

func pullSourceName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "https" {
		return SourcePullSecure
	}
	return SourcePull
}

// SubmitURL records rawURL for the next scheduler tick. A URL submitted
// before the previous one was picked up replaces it (last write wins).
func (u *Updater) SubmitURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q, want http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	u.mu.Lock()
	if u.hasPending {
		u.log.Printf("pending update URL %s replaced by %s", u.pending, rawURL)
	}
	u.pending = rawURL
	u.hasPending = true
	u.mu.Unlock()
	u.notifyPending(rawURL, true)
	return nil
}

// Pending returns the URL waiting for the next tick, if any.
func (u *Updater) Pending() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending, u.hasPending
}

func (u *Updater) takePending() (string, bool) {
	u.mu.Lock()
	rawURL, ok := u.pending, u.hasPending
	u.pending, u.hasPending = "", false
	u.mu.Unlock()
	if ok {
		u.notifyPending(rawURL, false)
	}
	return rawURL, ok
}

// Tick is called periodically by the scheduler. If a URL is pending, Tick
// clears it and pulls it to completion, blocking for the duration of the
// transfer. Each submitted URL is attempted at most once.
func (u *Updater) Tick(ctx context.Context) (*Session, error) {
	rawURL, ok := u.takePending()
	if !ok {
		return nil, nil
	}
	u.log.Printf("pulling firmware from %s", rawURL)
	return u.Pull(ctx, rawURL)
}

// Reboot restarts the device unconditionally after the configured delay.
func (u *Updater) Reboot() error {
	return u.scheduleReboot("operator request")
}

// RebootAfterUpdate restarts the device into a freshly committed image. It
// fails with ErrNotSucceeded unless the most recent session succeeded.
func (u *Updater) RebootAfterUpdate() error {
	s := u.Current()
	if s == nil || s.State() != Succeeded {
		return ErrNotSucceeded
	}
	return u.scheduleReboot("update " + s.ID() + " succeeded")
}

func (u *Updater) scheduleReboot(reason string) error {
	r := u.cfg.Rebooter
	if r == nil {
		return errors.New("no reboot mechanism configured")
	}
	u.mu.Lock()
	if u.rebooting {
		u.mu.Unlock()
		return nil
	}
	u.rebooting = true
	u.mu.Unlock()

	u.log.Printf("rebooting in %v (%s)", u.cfg.RebootDelay, reason)
	time.AfterFunc(u.cfg.RebootDelay, func() {
		// Rebooters that return (on error, or because they only simulate
		// the reboot) leave the device running; accept further requests.
		defer func() {
			u.mu.Lock()
			u.rebooting = false
			u.mu.Unlock()
		}()
		if err := r.Reboot(); err != nil {
			u.log.Printf("reboot: %v", err)
		}
	})
	return nil
}
