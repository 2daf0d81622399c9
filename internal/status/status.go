// internal/status/status.go
package status

import (
	"time"

	"energy-monitor/internal/data"
)

// Status is the derived display state of a device.
type Status string

const (
	// Offline means no usable reading has been observed for the device.
	Offline Status = "offline"
	// Idle means the latest reading shows no power draw.
	Idle Status = "idle"
	// Active means the latest reading shows positive power draw.
	Active Status = "active"
)

// Derive maps a device's latest reading to a display status. It is total
// and pure: no I/O and no clock reads, now is an argument.
//
//   - Offline if no reading exists, or the reading is older than staleAfter
//     (measured by client arrival time seenAt; staleAfter <= 0 disables the
//     check and a reading from arbitrarily long ago still counts).
//   - Active if the latest reading's power_kw > 0.
//   - Idle otherwise.
func Derive(latest *data.SensorReading, seenAt, now time.Time, staleAfter time.Duration) Status {
	if latest == nil {
		return Offline
	}
	if staleAfter > 0 && now.Sub(seenAt) > staleAfter {
		return Offline
	}
	if latest.PowerKW > 0 {
		return Active
	}
	return Idle
}
