package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stofradar/ota/internal/flash"
	"github.com/stofradar/ota/internal/otaerr"
)

// State is the lifecycle state of an update session.
type State int

const (
	Idle State = iota
	Sizing
	Writing
	Finalizing
	Succeeded
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sizing:
		return "Sizing"
	case Writing:
		return "Writing"
	case Finalizing:
		return "Finalizing"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Aborted
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for c := Idle; c <= Aborted; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// ErrAborted is returned by Feed after the session was aborted.
var ErrAborted = errors.New("update session aborted")

// Status is a point-in-time snapshot of a session.
type Status struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	URL       string            `json:"url,omitempty"`
	State     State             `json:"state"`
	Error     string            `json:"error,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Written   int64             `json:"written"`
	Expected  int64             `json:"expected,omitempty"`
	Estimated bool              `json:"estimated,omitempty"`
	Capacity  int64             `json:"capacity,omitempty"`
	Started   time.Time         `json:"started"`
	Finished  *time.Time        `json:"finished,omitempty"`
	Boot      *flash.BootRecord `json:"boot,omitempty"`
}

// Duration returns how long the session ran, or has been running.
func (st Status) Duration() time.Duration {
	if st.Finished == nil {
		return time.Since(st.Started)
	}
	return st.Finished.Sub(st.Started)
}

// Session ties one ingestion source to the staging writer for exactly one
// update attempt.
type Session struct {
	u *Updater

	mu        sync.Mutex
	id        string
	source    string
	url       string
	state     State
	err       error
	written   int64
	expected  int64
	known     bool
	estimated bool
	capacity  int64
	started   time.Time
	finished  time.Time
	wantMD5   string
	handle    *flash.Handle
	boot      *flash.BootRecord
	lastUnit  int64
}

func (s *Session) statusLocked() Status {
	st := Status{
		ID:        s.id,
		Source:    s.source,
		URL:       s.url,
		State:     s.state,
		Written:   s.written,
		Expected:  s.expected,
		Estimated: s.estimated,
		Capacity:  s.capacity,
		Started:   s.started,
		Boot:      s.boot,
	}
	if !s.finished.IsZero() {
		finished := s.finished
		st.Finished = &finished
	}
	if s.err != nil {
		st.Error = s.err.Error()
		st.Kind = otaerr.KindOf(s.err).String()
	}
	return st
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// failLocked moves the session to Failed and releases the staging region.
func (s *Session) failLocked(err error) {
	if s.state.Terminal() {
		return
	}
	if s.handle != nil {
		s.handle.Abort()
	}
	s.state = Failed
	s.err = err
	s.finished = time.Now()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failLocked(err)
	st := s.statusLocked()
	s.mu.Unlock()
	s.u.finish(st)
}

func (s *Session) startWriting(h *flash.Handle, capacity int64) error {
	s.mu.Lock()
	if s.state != Sizing {
		// Aborted while sizing.
		s.mu.Unlock()
		h.Abort()
		return ErrAborted
	}
	s.handle = h
	s.capacity = capacity
	s.state = Writing
	st := s.statusLocked()
	s.mu.Unlock()
	s.u.notify(st)
	return nil
}

// Feed appends chunk to the staging region. When final is set the stream
// is complete and the image is verified and committed. Feed returns the
// error that ended the session, if any.
func (s *Session) Feed(chunk []byte, final bool) error {
	s.mu.Lock()
	switch s.state {
	case Writing:
	case Failed:
		err := s.err
		s.mu.Unlock()
		return err
	case Aborted:
		s.mu.Unlock()
		return ErrAborted
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("BUG: Feed in state %v", state)
	}

	if err := s.handle.Write(chunk); err != nil {
		s.failLocked(err)
		st := s.statusLocked()
		s.mu.Unlock()
		s.u.finish(st)
		return err
	}
	s.written += int64(len(chunk))
	var progress *Status
	if unit := s.u.progressUnit(); s.written/unit != s.lastUnit {
		s.lastUnit = s.written / unit
		st := s.statusLocked()
		progress = &st
	}
	if !final {
		s.mu.Unlock()
		if progress != nil {
			s.u.notify(*progress)
		}
		return nil
	}

	s.state = Finalizing
	st := s.statusLocked()
	s.mu.Unlock()
	s.u.notify(st)
	return s.finalize()
}

func (s *Session) finalize() error {
	s.mu.Lock()
	if s.state != Finalizing {
		// Aborted while the Finalizing notification was delivered.
		s.mu.Unlock()
		return ErrAborted
	}
	rec, err := s.handle.Finalize(s.wantMD5)
	if err != nil {
		// Finalize already released the region.
		s.handle = nil
		s.failLocked(err)
	} else {
		s.state = Succeeded
		s.boot = &rec
		s.finished = time.Now()
	}
	st := s.statusLocked()
	s.mu.Unlock()
	s.u.finish(st)
	return err
}

// Abort discards the session and its staging region. It is safe to call in
// any state; in a terminal state it does nothing.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.handle != nil {
		s.handle.Abort()
	}
	s.state = Aborted
	s.finished = time.Now()
	st := s.statusLocked()
	s.mu.Unlock()
	s.u.finish(st)
}

// Pump drains src into the session until the stream ends or fails.
func (s *Session) Pump(ctx context.Context, src Source) error {
	for {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			s.mu.Lock()
			short := s.known && s.state == Writing && s.written != s.expected
			written, expected := s.written, s.expected
			s.mu.Unlock()
			if short {
				err := otaerr.Errorf(otaerr.SourceUnavailable, "read",
					"stream ended after %d of %d bytes", written, expected)
				s.fail(err)
				return err
			}
			return s.Feed(nil, true)
		}
		if err != nil {
			if s.State() == Aborted {
				return ErrAborted
			}
			err = otaerr.New(otaerr.SourceUnavailable, "read", err)
			s.fail(err)
			return err
		}
		if err := s.Feed(chunk, false); err != nil {
			return err
		}
	}
}
