// Package flash models the device's two-slot firmware flash and implements
// the staging writer that fills the inactive slot while the active one keeps
// running.
package flash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	geometryFile = "flash.json"
	bootFile     = "boot.json"
)

// BootRecord is what the bootloader consults to pick the image to run.
type BootRecord struct {
	Slot      string     `json:"slot"` // "a" or "b"
	Length    int64      `json:"length"`
	SHA256    string     `json:"sha256,omitempty"`
	Committed *time.Time `json:"committed,omitempty"`
}

// Image describes a fully staged image that is about to become the boot
// target.
type Image struct {
	Length int64
	SHA256 string
}

// Region is the inactive flash slot, opened for writing.
type Region interface {
	io.WriterAt
	Sync() error
	Close() error
}

// Device is the flash as seen by the update subsystem. The staging region
// is always the slot that is not running. Boot() differs from Running()
// between a commit and the following reboot.
type Device interface {
	// Boot returns the current boot target.
	Boot() BootRecord

	// Running returns the record of the image the device booted from.
	Running() BootRecord

	// FreeSketchSpace returns the number of bytes available for a new image.
	FreeSketchSpace() int64

	// OpenStaging erases the inactive slot and opens it for writing. An
	// image committed to that slot but not yet booted is dropped and the
	// boot target reverts to the running image.
	OpenStaging() (Region, error)

	// EraseStaging discards whatever the inactive slot holds.
	EraseStaging() error

	// Commit marks the inactive slot as the next boot target.
	Commit(img Image) (BootRecord, error)
}

type geometry struct {
	FlashSize int64 `json:"flash_size"`
	EraseUnit int64 `json:"erase_unit"`
}

// FileDevice emulates the firmware flash with one file per slot in a
// directory.
type FileDevice struct {
	dir string
	geo geometry

	mu      sync.Mutex
	boot    BootRecord
	running BootRecord // boot record at Open time
}

var _ Device = (*FileDevice)(nil)

func slotPath(dir, slot string) string {
	return filepath.Join(dir, "slot-"+slot+".bin")
}

func otherSlot(slot string) string {
	if slot == "a" {
		return "b"
	}
	return "a"
}

// Init provisions a new flash directory with running as the image in slot a.
func Init(dir string, flashSize, eraseUnit int64, running io.Reader) (*FileDevice, error) {
	if flashSize <= 0 {
		return nil, fmt.Errorf("invalid flash size %d", flashSize)
	}
	if eraseUnit <= 0 || eraseUnit&(eraseUnit-1) != 0 {
		return nil, fmt.Errorf("erase unit %d is not a power of two", eraseUnit)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(slotPath(dir, "a"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := io.Copy(f, running)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if n > flashSize {
		return nil, fmt.Errorf("running image (%d bytes) exceeds flash size (%d bytes)", n, flashSize)
	}
	geo, err := json.Marshal(geometry{FlashSize: flashSize, EraseUnit: eraseUnit})
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(filepath.Join(dir, geometryFile), geo, 0644); err != nil {
		return nil, err
	}
	if err := writeBootRecord(dir, BootRecord{Slot: "a", Length: n}); err != nil {
		return nil, err
	}
	return Open(dir)
}

// Open opens a flash directory previously created by Init.
func Open(dir string) (*FileDevice, error) {
	d := &FileDevice{dir: dir}
	b, err := os.ReadFile(filepath.Join(dir, geometryFile))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &d.geo); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", geometryFile, err)
	}
	b, err = os.ReadFile(filepath.Join(dir, bootFile))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &d.boot); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", bootFile, err)
	}
	if d.boot.Slot != "a" && d.boot.Slot != "b" {
		return nil, fmt.Errorf("%s: invalid slot %q", bootFile, d.boot.Slot)
	}
	d.running = d.boot
	return d, nil
}

func writeBootRecord(dir string, rec BootRecord) error {
	b, err := json.MarshalIndent(rec, "", "\t")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, bootFile), append(b, '\n'), 0644)
}

// Dir returns the directory backing the device.
func (d *FileDevice) Dir() string { return d.dir }

// FlashSize returns the size of the sketch area.
func (d *FileDevice) FlashSize() int64 { return d.geo.FlashSize }

func (d *FileDevice) Boot() BootRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot
}

func (d *FileDevice) Running() BootRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// SketchSize returns the length of the running image.
func (d *FileDevice) SketchSize() int64 {
	return d.Running().Length
}

func (d *FileDevice) FreeSketchSpace() int64 {
	used := d.SketchSize()
	if u := d.geo.EraseUnit; u > 0 {
		used = (used + u - 1) &^ (u - 1)
	}
	free := d.geo.FlashSize - used
	if free < 0 {
		free = 0
	}
	if host, ok := hostFree(d.dir); ok && host < free {
		free = host
	}
	return free
}

func (d *FileDevice) stagingPath() string {
	return slotPath(d.dir, otherSlot(d.running.Slot))
}

// revertLocked points the boot record back at the running image if the
// staging slot holds a committed image that was never booted.
func (d *FileDevice) revertLocked() error {
	if d.boot.Slot == d.running.Slot {
		return nil
	}
	if err := writeBootRecord(d.dir, d.running); err != nil {
		return fmt.Errorf("reverting boot target to slot %s: %v", d.running.Slot, err)
	}
	d.boot = d.running
	return nil
}

func (d *FileDevice) OpenStaging() (Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.revertLocked(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(d.stagingPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &fileRegion{f}, nil
}

func (d *FileDevice) EraseStaging() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.revertLocked(); err != nil {
		return err
	}
	err := os.Truncate(d.stagingPath(), 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (d *FileDevice) Commit(img Image) (BootRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	rec := BootRecord{
		Slot:      otherSlot(d.running.Slot),
		Length:    img.Length,
		SHA256:    img.SHA256,
		Committed: &now,
	}
	if err := writeBootRecord(d.dir, rec); err != nil {
		return d.boot, err
	}
	d.boot = rec
	return rec, nil
}

// ActiveImage opens the image the device boots.
func (d *FileDevice) ActiveImage() (io.ReadCloser, error) {
	rec := d.Boot()
	f, err := os.Open(slotPath(d.dir, rec.Slot))
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, rec.Length), f}, nil
}

type fileRegion struct {
	*os.File
}

func (r *fileRegion) Sync() error {
	return syncData(r.File)
}
