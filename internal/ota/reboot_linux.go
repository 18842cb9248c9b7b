//go:build linux

package ota

import "golang.org/x/sys/unix"

// SystemRebooter restarts the machine. It requires CAP_SYS_BOOT.
type SystemRebooter struct{}

func (SystemRebooter) Reboot() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
