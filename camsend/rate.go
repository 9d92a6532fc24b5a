package camsend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RateController holds the inter-frame delay. The delay is always one of
// two values; only a valid rate selector changes it.
type RateController struct {
	high  time.Duration
	low   time.Duration
	delay time.Duration
}

// NewRateController starts at the high rate.
func NewRateController(c RateConfig) *RateController {
	return &RateController{high: c.High, low: c.Low, delay: c.High}
}

// OnControlMessage applies a rate selector: 0 selects the high rate, any
// other integer the low rate, however many digits it has. A payload that is
// not an integer returns ErrMalformedRateSelector and leaves the delay
// unchanged.
func (r *RateController) OnControlMessage(payload []byte) error {
	sel, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("%w: %q", ErrMalformedRateSelector, payload)
	}
	// out of range is never zero
	if err != nil || sel != 0 {
		r.delay = r.low
	} else {
		r.delay = r.high
	}
	return nil
}

func (r *RateController) CurrentDelay() time.Duration { return r.delay }

// IsLowRate reports whether the slow cadence is selected.
func (r *RateController) IsLowRate() bool { return r.delay == r.low && r.low != r.high }
