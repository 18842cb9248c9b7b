package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadFromFileMissing(t *testing.T) {
	cfg, err := ReadFromFile(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("missing config: unexpected diff (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
	if got := cfg.Warnings(); len(got) != 0 {
		t.Errorf("default config has warnings: %q", got)
	}
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	const configJSON = `{
  "ListenAddr": "localhost:8080",
  "ImageMagic": 0,
  "VerifyPeer": false,
  "TickInterval": "250ms",
  "RebootDelay": 1000000000,
  "RebootMode": "none"
}`
	if err := os.WriteFile(path, []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.ListenAddr, "localhost:8080"; got != want {
		t.Errorf("ListenAddr = %q, want %q", got, want)
	}
	if got, want := *cfg.ImageMagic, 0; got != want {
		t.Errorf("ImageMagic = %#x, want %#x", got, want)
	}
	if *cfg.VerifyPeer {
		t.Errorf("VerifyPeer = true, want false")
	}
	if got, want := cfg.TickInterval.Std(), 250*time.Millisecond; got != want {
		t.Errorf("TickInterval = %v, want %v", got, want)
	}
	if got, want := cfg.RebootDelay.Std(), time.Second; got != want {
		t.Errorf("RebootDelay = %v, want %v", got, want)
	}
	if got, want := cfg.EraseUnit, int64(0x1000); got != want {
		t.Errorf("EraseUnit = %#x, want default %#x", got, want)
	}
	if got := cfg.Warnings(); len(got) != 1 || !strings.Contains(got[0], "VerifyPeer") {
		t.Errorf("Warnings() = %q, want one VerifyPeer warning", got)
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Struct)
	}{
		{"EraseUnitNotPowerOfTwo", func(c *Struct) { c.EraseUnit = 3000 }},
		{"EraseUnitNegative", func(c *Struct) { c.EraseUnit = -4096 }},
		{"MarginUnaligned", func(c *Struct) { c.ReservedMargin = 100 }},
		{"MagicTooLarge", func(c *Struct) { m := 0x100; c.ImageMagic = &m }},
		{"RebootMode", func(c *Struct) { c.RebootMode = "kexec" }},
		{"TickInterval", func(c *Struct) { c.TickInterval = -1 }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() unexpectedly succeeded")
			}
		})
	}
}

func TestReadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"EraseUnit": 1000}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFromFile(path); err == nil {
		t.Errorf("ReadFromFile with invalid EraseUnit unexpectedly succeeded")
	}
}

func TestPassword(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.HTTPPasswordFile = filepath.Join(dir, "otad", "http-password.txt")

	pw, err := cfg.Password()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(pw), 20; got != want {
		t.Errorf("generated password length = %d, want %d", got, want)
	}
	again, err := cfg.Password()
	if err != nil {
		t.Fatal(err)
	}
	if again != pw {
		t.Errorf("second Password() = %q, want the stored %q", again, pw)
	}

	cfg.HTTPPassword = "secret"
	if got, err := cfg.Password(); err != nil || got != "secret" {
		t.Errorf("Password() = %q, %v; want secret", got, err)
	}
}
