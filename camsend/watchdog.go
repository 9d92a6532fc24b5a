package camsend

import "time"

// Watchdog is the hardware reset timer. Once armed it must be fed within
// its timeout or the device resets.
type Watchdog interface {
	Arm(timeout time.Duration) error
	Feed() error
	// Close releases the handle without disarming the timer.
	Close() error
}

// NewDevWatchdog returns a watchdog backed by the kernel device at path
// (normally /dev/watchdog). Nothing is opened until Arm.
func NewDevWatchdog(path string) *DevWatchdog {
	return &DevWatchdog{path: path}
}

// watchdogSeconds rounds down so the hardware never waits longer than asked.
func watchdogSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
