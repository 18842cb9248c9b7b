// Package config reads the configuration of the otad device daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stofradar/ota/internal/pwgen"
)

// DefaultPath is where otad serve looks for its configuration.
const DefaultPath = "/perm/otad/config.json"

// Reboot modes.
const (
	RebootExit   = "exit"
	RebootSystem = "system"
	RebootNone   = "none"
)

// Duration is a time.Duration that is written as "500ms" in config.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		// Plain numbers are nanoseconds, like time.Duration itself.
		*d = Duration(time.Duration(v))
		return nil
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	return fmt.Errorf("invalid duration %s", b)
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Struct struct {
	ListenAddr string `json:",omitempty"` // -listen
	FlashDir   string `json:",omitempty"` // -flash_dir

	ReservedMargin int64 `json:",omitempty"`
	EraseUnit      int64 `json:",omitempty"`
	ImageMagic     *int  `json:",omitempty"` // 0 disables the image header check
	ReadBufferSize int   `json:",omitempty"`

	TickInterval    Duration `json:",omitempty"`
	PullTimeout     Duration `json:",omitempty"`
	VerifyPeer      *bool    `json:",omitempty"`
	FollowRedirects *bool    `json:",omitempty"`

	HTTPPassword               string `json:",omitempty"`
	HTTPPasswordFile           string `json:",omitempty"`
	RequireAuth                *bool  `json:",omitempty"`
	AllowUnauthenticatedReboot bool   `json:",omitempty"`

	RebootAfterUpload *bool    `json:",omitempty"`
	RebootDelay       Duration `json:",omitempty"`
	RebootMode        string   `json:",omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the configuration used when config.json does not exist.
func Default() *Struct {
	cfg := &Struct{}
	cfg.setDefaults()
	return cfg
}

func (c *Struct) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":80"
	}
	if c.FlashDir == "" {
		c.FlashDir = "/perm/otad/flash"
	}
	if c.ReservedMargin == 0 {
		c.ReservedMargin = 0x1000
	}
	if c.EraseUnit == 0 {
		c.EraseUnit = 0x1000
	}
	if c.ImageMagic == nil {
		magic := 0xE9
		c.ImageMagic = &magic
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 4096
	}
	if c.TickInterval == 0 {
		c.TickInterval = Duration(time.Second)
	}
	if c.VerifyPeer == nil {
		c.VerifyPeer = boolPtr(true)
	}
	if c.FollowRedirects == nil {
		c.FollowRedirects = boolPtr(true)
	}
	if c.HTTPPasswordFile == "" {
		c.HTTPPasswordFile = "/perm/otad/http-password.txt"
	}
	if c.RequireAuth == nil {
		c.RequireAuth = boolPtr(true)
	}
	if c.RebootAfterUpload == nil {
		c.RebootAfterUpload = boolPtr(true)
	}
	if c.RebootDelay == 0 {
		c.RebootDelay = Duration(500 * time.Millisecond)
	}
	if c.RebootMode == "" {
		c.RebootMode = RebootExit
	}
}

// ReadFromFile reads the configuration at path and fills in defaults. A
// missing file yields the default configuration.
func ReadFromFile(path string) (*Struct, error) {
	log.Printf("reading otad config from %s", path)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("%s does not exist, using defaults", path)
			return Default(), nil
		}
		return nil, err
	}
	var cfg Struct
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the update subsystem
// cannot work with.
func (c *Struct) Validate() error {
	if eu := c.EraseUnit; eu <= 0 || eu&(eu-1) != 0 {
		return fmt.Errorf("EraseUnit %d is not a power of two", eu)
	}
	if c.ReservedMargin < 0 || c.ReservedMargin%c.EraseUnit != 0 {
		return fmt.Errorf("ReservedMargin %#x is not a multiple of EraseUnit %#x", c.ReservedMargin, c.EraseUnit)
	}
	if m := *c.ImageMagic; m < 0 || m > 0xff {
		return fmt.Errorf("ImageMagic %#x does not fit in a byte", m)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("ReadBufferSize %d is negative", c.ReadBufferSize)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval %v must be positive", c.TickInterval.Std())
	}
	switch c.RebootMode {
	case RebootExit, RebootSystem, RebootNone:
	default:
		return fmt.Errorf("unknown RebootMode %q, want one of %s", c.RebootMode,
			strings.Join([]string{RebootExit, RebootSystem, RebootNone}, ", "))
	}
	return nil
}

// Warnings returns one line per option that weakens the device's security.
func (c *Struct) Warnings() []string {
	var warnings []string
	if !*c.VerifyPeer {
		warnings = append(warnings, "VerifyPeer is disabled: https update sources are NOT authenticated")
	}
	if !*c.RequireAuth {
		warnings = append(warnings, "RequireAuth is disabled: anyone on the network can flash this device")
	}
	if c.AllowUnauthenticatedReboot {
		warnings = append(warnings, "AllowUnauthenticatedReboot is enabled: GET /reboot needs no credentials")
	}
	return warnings
}

// Password returns the HTTP password. Without a configured password, the
// password file is read; on first start a random password is generated and
// saved there.
func (c *Struct) Password() (string, error) {
	if c.HTTPPassword != "" {
		return c.HTTPPassword, nil
	}
	if b, err := os.ReadFile(c.HTTPPasswordFile); err == nil {
		return strings.TrimSpace(string(b)), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	pw, err := pwgen.RandomPassword(20)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(c.HTTPPasswordFile), 0700); err != nil {
		return "", err
	}
	// No trailing newline, so that the file can be piped into a clipboard
	// tool as-is.
	if err := os.WriteFile(c.HTTPPasswordFile, []byte(pw), 0600); err != nil {
		return "", err
	}
	log.Printf("generated HTTP password, stored in %s", c.HTTPPasswordFile)
	return pw, nil
}
