package camsend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Indicator is the status light used while the device connects.
type Indicator interface {
	// Flash waits d, turns the light on, waits d, turns it off, waits d.
	Flash(d time.Duration)
}

// NopIndicator is used when no light is wired.
type NopIndicator struct{}

func (NopIndicator) Flash(time.Duration) {}

// GPIOIndicator drives an LED through the sysfs GPIO interface.
type GPIOIndicator struct {
	valuePath string
	sleep     func(time.Duration)
	log       *zap.Logger
}

// NewGPIOIndicator exports pin under root (normally /sys/class/gpio) and
// configures it as an output.
func NewGPIOIndicator(root string, pin int, logger *zap.Logger) (*GPIOIndicator, error) {
	pinDir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(pinDir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(pinDir, "direction"), []byte("out"), 0o200); err != nil {
		return nil, fmt.Errorf("gpio %d direction: %w", pin, err)
	}
	return &GPIOIndicator{
		valuePath: filepath.Join(pinDir, "value"),
		sleep:     time.Sleep,
		log:       orNop(logger).Named("indicator"),
	}, nil
}

func (g *GPIOIndicator) set(on bool) {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	if err := os.WriteFile(g.valuePath, v, 0o200); err != nil {
		g.log.Debug("gpio write failed", zap.String("path", g.valuePath), zap.Error(err))
	}
}

func (g *GPIOIndicator) Flash(d time.Duration) {
	g.sleep(d)
	g.set(true)
	g.sleep(d)
	g.set(false)
	g.sleep(d)
}
