package camsend

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Native sensor scales.
const (
	ScaleMilliCelsius = "millicelsius"
	ScaleCelsius      = "celsius"
	ScaleFahrenheit   = "fahrenheit"
)

// TemperatureSensor reads the device temperature in Celsius.
type TemperatureSensor interface {
	ReadCelsius() (float64, error)
}

// FileSensor reads a single number from a file such as a sysfs thermal
// zone and converts it from its native scale.
type FileSensor struct {
	path  string
	scale string
}

func NewFileSensor(path, scale string) *FileSensor {
	return &FileSensor{path: path, scale: scale}
}

func (s *FileSensor) ReadCelsius() (float64, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return ToCelsius(v, s.scale), nil
}

// ToCelsius converts raw from scale and rounds to two decimals.
func ToCelsius(raw float64, scale string) float64 {
	var c float64
	switch scale {
	case ScaleFahrenheit:
		c = (raw - 32) / 1.8
	case ScaleMilliCelsius:
		c = raw / 1000
	default:
		c = raw
	}
	return math.Round(c*100) / 100
}
