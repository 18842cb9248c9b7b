//go:build !linux

package ota

import "fmt"

// SystemRebooter restarts the machine. It is only implemented on Linux.
type SystemRebooter struct{}

func (SystemRebooter) Reboot() error {
	return fmt.Errorf("system reboot is not supported on this platform")
}
