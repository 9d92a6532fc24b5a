package camsend

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Radio is the wireless interface. Connect only starts the association;
// completion is observed through IsConnected.
type Radio interface {
	Activate() error
	Connect(ssid, password string) error
	IsConnected() bool
}

// LinkManager establishes the primary network association with a bounded
// probe policy, signalling progress on the indicator light.
type LinkManager struct {
	wifi   WiFiConfig
	policy LinkConfig
	radio  Radio
	light  Indicator
	wait   waitFunc
	log    *zap.Logger

	state LinkState
}

func NewLinkManager(wifi WiFiConfig, policy LinkConfig, radio Radio, light Indicator, logger *zap.Logger) *LinkManager {
	if light == nil {
		light = NopIndicator{}
	}
	return &LinkManager{
		wifi:   wifi,
		policy: policy,
		radio:  radio,
		light:  light,
		wait:   sleepCtx,
		log:    orNop(logger).Named("link"),
	}
}

// State returns the last observed link state.
func (m *LinkManager) State() LinkState { return m.state }

// Probe refreshes the link state from the radio. An association still in
// progress stays LinkConnecting.
func (m *LinkManager) Probe() LinkState {
	switch {
	case m.radio.IsConnected():
		m.state = LinkConnected
	case m.state != LinkConnecting:
		m.state = LinkDisconnected
	}
	return m.state
}

// EnsureConnected returns at once when the radio is already associated.
// Otherwise it issues one connect request, waits the settle window and
// probes up to RetryLimit times, RetryInterval apart. Failure is final:
// a *LinkError wrapping ErrAssociationTimeout.
func (m *LinkManager) EnsureConnected(ctx context.Context) error {
	m.log.Info("connecting wifi", zap.String("ssid", m.wifi.SSID))

	if err := m.radio.Activate(); err != nil {
		m.state = LinkDisconnected
		return &LinkError{SSID: m.wifi.SSID, Err: err}
	}
	if m.Probe() == LinkConnected {
		m.log.Info("wifi already connected")
		return nil
	}

	m.log.Info("wifi not connected yet, starting association")
	m.state = LinkConnecting
	if err := m.radio.Connect(m.wifi.SSID, m.wifi.Password); err != nil {
		m.state = LinkDisconnected
		return &LinkError{SSID: m.wifi.SSID, Err: err}
	}

	// association is asynchronous with no completion signal
	if err := m.wait(ctx, m.policy.SettleWindow); err != nil {
		m.state = LinkDisconnected
		return err
	}

	for attempt := 1; attempt <= m.policy.RetryLimit; attempt++ {
		if m.Probe() == LinkConnected {
			m.light.Flash(m.policy.SuccessBlink)
			m.log.Info("wifi connected", zap.Int("probes", attempt))
			return nil
		}
		m.light.Flash(m.policy.AttemptBlink)
		m.log.Info("wifi probe failed", zap.Int("attempt", attempt), zap.Int("limit", m.policy.RetryLimit))
		if err := m.wait(ctx, m.policy.RetryInterval); err != nil {
			m.state = LinkDisconnected
			return err
		}
	}

	m.state = LinkDisconnected
	m.light.Flash(m.policy.ErrorBlink)
	err := &LinkError{SSID: m.wifi.SSID, Attempts: m.policy.RetryLimit, Err: ErrAssociationTimeout}
	m.log.Error("wifi connection failed, check credentials and band (2.4GHz only)", zap.Error(err))
	return err
}

type waitFunc func(ctx context.Context, d time.Duration) error

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
