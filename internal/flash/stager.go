package flash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/stofradar/ota/internal/otaerr"
)

// ImageMagic is the first byte of every ESP application image.
const ImageMagic = 0xE9

// Stager owns the staging region. At most one Handle is open at any time.
type Stager struct {
	dev   Device
	magic byte

	mu   sync.Mutex
	open *Handle
}

// NewStager returns a Stager writing to dev. A magic of 0 disables the
// header check on Finalize.
func NewStager(dev Device, magic byte) *Stager {
	return &Stager{dev: dev, magic: magic}
}

// Device returns the underlying flash device.
func (s *Stager) Device() Device { return s.dev }

// Busy reports whether a Handle is currently open.
func (s *Stager) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil
}

// Open reserves the staging region for writing at most capacity bytes.
func (s *Stager) Open(capacity int64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return nil, otaerr.Errorf(otaerr.DeviceBusy, "open", "staging region already in use")
	}
	region, err := s.dev.OpenStaging()
	if err != nil {
		return nil, otaerr.New(otaerr.WriteFailed, "open", err)
	}
	h := &Handle{
		s:        s,
		region:   region,
		capacity: capacity,
		sha:      sha256.New(),
		md5:      md5.New(),
	}
	s.open = h
	return h, nil
}

func (s *Stager) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == h {
		s.open = nil
	}
}

type handleState int

const (
	handleOpen handleState = iota
	handleFailed
	handleFinalized
	handleAborted
)

// Handle is an open write session on the staging region. Writes must be
// sequential; a Handle is not safe for concurrent use.
type Handle struct {
	s        *Stager
	region   Region
	capacity int64
	cursor   int64
	header   byte
	sha      hash.Hash
	md5      hash.Hash
	state    handleState
	err      error
}

// Capacity returns the planned capacity of the staging region.
func (h *Handle) Capacity() int64 { return h.capacity }

// Written returns the number of bytes appended so far.
func (h *Handle) Written() int64 { return h.cursor }

// Write appends p at the cursor. A write that would exceed the capacity is
// rejected as a whole; bytes already written stay untouched.
func (h *Handle) Write(p []byte) error {
	switch h.state {
	case handleOpen:
	case handleFailed:
		return h.err
	default:
		return otaerr.Errorf(otaerr.WriteFailed, "write", "staging handle is closed")
	}
	if len(p) == 0 {
		return nil
	}
	if end := h.cursor + int64(len(p)); end > h.capacity {
		return h.fail(otaerr.Errorf(otaerr.CapacityExceeded, "write",
			"%d bytes exceed staging capacity of %d bytes", end, h.capacity))
	}
	n, err := h.region.WriteAt(p, h.cursor)
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	if err != nil {
		return h.fail(otaerr.New(otaerr.WriteFailed, "write", err))
	}
	if h.cursor == 0 {
		h.header = p[0]
	}
	h.sha.Write(p)
	h.md5.Write(p)
	h.cursor += int64(n)
	return nil
}

func (h *Handle) fail(err error) error {
	h.state = handleFailed
	h.err = err
	return err
}

// SHA256 returns the hex SHA-256 of everything written so far.
func (h *Handle) SHA256() string {
	return hex.EncodeToString(h.sha.Sum(nil))
}

// Finalize verifies the staged image and commits it as the next boot
// target. wantMD5, if non-empty, is the hex MD5 the image must match.
// Calling Finalize on an already finalized Handle is a bug.
func (h *Handle) Finalize(wantMD5 string) (BootRecord, error) {
	switch h.state {
	case handleFinalized:
		panic("BUG: Finalize called on an already finalized staging handle")
	case handleOpen:
	default:
		return BootRecord{}, otaerr.Errorf(otaerr.VerificationFailed, "finalize", "staging handle is not open")
	}
	h.state = handleFinalized
	defer h.s.release(h)
	defer h.region.Close()

	if err := h.verify(wantMD5); err != nil {
		h.discard()
		return BootRecord{}, err
	}
	if err := h.region.Sync(); err != nil {
		h.discard()
		return BootRecord{}, otaerr.New(otaerr.CommitFailed, "sync", err)
	}
	rec, err := h.s.dev.Commit(Image{Length: h.cursor, SHA256: h.SHA256()})
	if err != nil {
		h.discard()
		return BootRecord{}, otaerr.New(otaerr.CommitFailed, "commit", err)
	}
	return rec, nil
}

func (h *Handle) verify(wantMD5 string) error {
	if h.cursor == 0 {
		return otaerr.Errorf(otaerr.VerificationFailed, "verify", "empty image")
	}
	if m := h.s.magic; m != 0 && h.header != m {
		return otaerr.Errorf(otaerr.VerificationFailed, "verify",
			"bad image magic 0x%02x, want 0x%02x", h.header, m)
	}
	if wantMD5 != "" {
		got := hex.EncodeToString(h.md5.Sum(nil))
		if !strings.EqualFold(got, wantMD5) {
			return otaerr.Errorf(otaerr.VerificationFailed, "verify",
				"MD5 mismatch: got %s, want %s", got, wantMD5)
		}
	}
	return nil
}

func (h *Handle) discard() {
	// Best effort: the boot record still references the old slot.
	_ = h.s.dev.EraseStaging()
}

// Abort discards the staging region. It is safe to call at any time and
// more than once; after Finalize it is a no-op.
func (h *Handle) Abort() {
	switch h.state {
	case handleFinalized, handleAborted:
		return
	}
	h.state = handleAborted
	h.region.Close()
	h.discard()
	h.s.release(h)
}
