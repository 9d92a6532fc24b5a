//go:build linux

package camsend

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type DevWatchdog struct {
	path string
	f    *os.File
}

// Arm opens the device, which starts the timer, and sets its timeout.
func (w *DevWatchdog) Arm(timeout time.Duration) error {
	if w.f == nil {
		f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("open watchdog %s: %w", w.path, err)
		}
		w.f = f
	}
	if err := unix.IoctlSetPointerInt(int(w.f.Fd()), unix.WDIOC_SETTIMEOUT, watchdogSeconds(timeout)); err != nil {
		return fmt.Errorf("set watchdog timeout: %w", err)
	}
	return nil
}

func (w *DevWatchdog) Feed() error {
	if w.f == nil {
		return errors.New("watchdog not armed")
	}
	return unix.IoctlWatchdogKeepalive(int(w.f.Fd()))
}

// Close closes the device without writing the magic close character, so
// the timer keeps running and a stopped agent still resets the board.
func (w *DevWatchdog) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
