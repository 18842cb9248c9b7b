package ota

import (
	"github.com/stofradar/ota/internal/otaerr"
)

const (
	// DefaultReservedMargin is kept free below the staging region. The value
	// matches the platform's historic update code (one flash sector).
	DefaultReservedMargin = 0x1000

	// DefaultEraseUnit is the flash erase/alignment granularity.
	DefaultEraseUnit = 0x1000
)

// Planner sizes the staging region before a write session opens.
type Planner struct {
	ReservedMargin int64
	EraseUnit      int64
}

// DefaultPlanner returns the planner used when nothing is configured.
func DefaultPlanner() Planner {
	return Planner{
		ReservedMargin: DefaultReservedMargin,
		EraseUnit:      DefaultEraseUnit,
	}
}

// Plan returns the usable staging capacity given free flash space. When
// the source announced an exact length, the plan fails unless that length
// fits, so that no byte is written for a download that cannot complete.
func (p Planner) Plan(free, announced int64, known bool) (int64, error) {
	capacity := free - p.ReservedMargin
	if u := p.EraseUnit; u > 1 {
		capacity &^= u - 1
	}
	if capacity <= 0 {
		return 0, otaerr.Errorf(otaerr.InsufficientSpace, "plan",
			"%d bytes free, %d bytes reserved", free, p.ReservedMargin)
	}
	if known && announced > capacity {
		return 0, otaerr.Errorf(otaerr.InsufficientSpace, "plan",
			"image of %d bytes exceeds staging capacity of %d bytes", announced, capacity)
	}
	return capacity, nil
}
