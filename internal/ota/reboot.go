package ota

import (
	"log"
	"os"
)

// A Rebooter switches execution to the committed boot target.
type Rebooter interface {
	Reboot() error
}

// RebooterFunc adapts a function to the Rebooter interface.
type RebooterFunc func() error

func (f RebooterFunc) Reboot() error { return f() }

// ExitRebooter terminates the process and relies on the supervisor to
// start it again from the new boot target.
type ExitRebooter struct{}

func (ExitRebooter) Reboot() error {
	log.Printf("exiting for restart")
	os.Exit(0)
	return nil
}

// NopRebooter only logs.
type NopRebooter struct{}

func (NopRebooter) Reboot() error {
	log.Printf("reboot requested, but rebooting is disabled")
	return nil
}
