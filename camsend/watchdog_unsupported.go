//go:build !linux

package camsend

import (
	"fmt"
	"runtime"
	"time"
)

type DevWatchdog struct {
	path string
}

func (w *DevWatchdog) Arm(time.Duration) error {
	return fmt.Errorf("%w on %s", ErrWatchdogUnsupported, runtime.GOOS)
}

func (w *DevWatchdog) Feed() error {
	return fmt.Errorf("%w on %s", ErrWatchdogUnsupported, runtime.GOOS)
}

func (w *DevWatchdog) Close() error { return nil }
