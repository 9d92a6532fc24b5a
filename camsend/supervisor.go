package camsend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DialFunc opens the frame transport.
type DialFunc func(TransportConfig, *zap.Logger) (FrameSender, error)

// DialUDP is the production DialFunc.
func DialUDP(c TransportConfig, logger *zap.Logger) (FrameSender, error) {
	t, err := NewUDPTransport(c, logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Deps are the collaborators the Supervisor drives. Radio, Camera and
// Watchdog are required.
type Deps struct {
	Radio     Radio
	Indicator Indicator
	MQTT      ClientFactory
	Camera    CaptureDevice
	Dial      DialFunc
	Watchdog  Watchdog
	Sensor    TemperatureSensor
}

// Supervisor runs the agent: arm the watchdog, connect everything, then
// stream frames until capture fails or ctx is cancelled.
type Supervisor struct {
	cfg  *DeviceConfig
	deps Deps
	root *zap.Logger
	log  *zap.Logger
	wait waitFunc

	state     LoopState
	link      *LinkManager
	control   *ControlChannel
	rate      *RateController
	capture   *CaptureSession
	transport FrameSender

	stats      LoopStats
	lastSendOK bool
}

func NewSupervisor(cfg *DeviceConfig, deps Deps, logger *zap.Logger) *Supervisor {
	logger = orNop(logger)
	if deps.Dial == nil {
		deps.Dial = DialUDP
	}
	s := &Supervisor{
		cfg:        cfg,
		deps:       deps,
		root:       logger,
		log:        logger.Named("supervisor"),
		wait:       sleepCtx,
		link:       NewLinkManager(cfg.WiFi, cfg.Link, deps.Radio, deps.Indicator, logger),
		control:    NewControlChannel(cfg.MQTT, deps.MQTT, logger),
		rate:       NewRateController(cfg.Rate),
		capture:    NewCaptureSession(deps.Camera, logger),
		lastSendOK: true,
	}
	s.control.SetHandler(s.onControlMessage)
	return s
}

func (s *Supervisor) State() LoopState { return s.state }

// Stats returns a copy of the loop counters.
func (s *Supervisor) Stats() LoopStats { return s.stats }

// CurrentDelay returns the inter-frame delay in effect.
func (s *Supervisor) CurrentDelay() time.Duration { return s.rate.CurrentDelay() }

func (s *Supervisor) setState(st LoopState) {
	s.log.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
}

// Run blocks until the stream terminates. Startup failures are returned as
// is. A capture failure ends the stream with a *CaptureError; cancellation
// ends it with ctx.Err(). The capture device is released on every path.
// The watchdog is never disarmed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(LoopInit)
	if s.deps.Watchdog == nil {
		return errors.New("watchdog is required")
	}
	if err := s.deps.Watchdog.Arm(s.cfg.Watchdog.Timeout); err != nil {
		return fmt.Errorf("arm watchdog: %w", err)
	}
	s.log.Info("watchdog armed", zap.Duration("timeout", s.cfg.Watchdog.Timeout))

	defer s.setState(LoopTerminated)
	defer s.control.Disconnect()
	defer func() {
		if err := s.capture.Release(); err != nil {
			s.log.Error("camera release failed", zap.Error(err))
		}
	}()

	s.setState(LoopConnecting)
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.transport.Close()

	s.setState(LoopStreaming)
	err := s.stream(ctx)
	s.stats.StoppedAt = time.Now()
	s.log.Info("stream stopped",
		zap.Error(err),
		zap.Uint64("iterations", s.stats.Iterations),
		zap.Uint64("frames_sent", s.stats.FramesSent),
		zap.Uint64("frames_dropped", s.stats.FramesDropped),
		zap.Uint64("temperature_samples", s.stats.TemperatureSamples),
		zap.Uint64("rate_changes", s.stats.RateChanges),
		zap.Duration("uptime", s.stats.StoppedAt.Sub(s.stats.StartedAt)))
	return err
}

// connect runs the startup steps. The watchdog is fed after each one, so
// only a single step has to fit in the timeout; a step that hangs is still
// caught.
func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.link.EnsureConnected(ctx); err != nil {
		return err
	}
	s.feedWatchdog("link")

	if err := s.control.Connect(); err != nil {
		return err
	}
	s.feedWatchdog("mqtt connect")
	if err := s.control.Subscribe(s.cfg.MQTT.Topic); err != nil {
		return err
	}
	s.feedWatchdog("mqtt subscribe")

	if err := s.capture.Init(); err != nil {
		return err
	}
	s.feedWatchdog("camera init")
	if err := s.capture.Configure(s.cfg.CaptureParams()); err != nil {
		return err
	}
	s.feedWatchdog("camera configure")

	t, err := s.deps.Dial(s.cfg.Transport, s.root)
	if err != nil {
		return err
	}
	s.transport = t
	s.feedWatchdog("transport")
	return nil
}

func (s *Supervisor) feedWatchdog(step string) {
	if err := s.deps.Watchdog.Feed(); err != nil {
		s.stats.WatchdogFeedErrors++
		s.log.Error("watchdog feed failed", zap.String("step", step), zap.Error(err))
	}
}

// stream is the hot loop. Every step is bounded: polling never blocks,
// the sample is a file read, the send has a write deadline, and the sleep
// is at most rate.low, all below the watchdog timeout.
func (s *Supervisor) stream(ctx context.Context) error {
	s.log.Info("start sending frames", zap.Duration("delay", s.rate.CurrentDelay()))
	s.stats.StartedAt = time.Now()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.stats.Iterations++

		s.control.PollIncoming()

		count++
		if count >= s.cfg.Diagnostics.Every {
			count = 0
			s.sampleTemperature()
		}

		buf, err := s.capture.CaptureOne()
		if err != nil {
			s.log.Error("capture failed, stopping stream", zap.Error(err))
			return err
		}

		s.sendFrame(buf)

		if err := s.wait(ctx, s.rate.CurrentDelay()); err != nil {
			return err
		}

		s.feedWatchdog("stream")
	}
}

func (s *Supervisor) sendFrame(buf []byte) {
	err := s.transport.SendFrame(buf)
	if err == nil {
		s.stats.FramesSent++
		s.lastSendOK = true
		return
	}
	s.stats.FramesDropped++
	// only the first drop of a run is worth a warning
	if s.lastSendOK {
		s.log.Warn("frame dropped", zap.Int("bytes", len(buf)), zap.Error(err))
	} else {
		s.log.Debug("frame dropped", zap.Int("bytes", len(buf)), zap.Error(err))
	}
	s.lastSendOK = false
}

func (s *Supervisor) sampleTemperature() {
	if s.deps.Sensor == nil {
		return
	}
	c, err := s.deps.Sensor.ReadCelsius()
	if err != nil {
		s.stats.SampleFailures++
		s.log.Warn("temperature sample skipped", zap.Error(&DiagnosticsError{Err: err}))
		return
	}
	s.stats.TemperatureSamples++
	s.log.Info("device temperature", zap.Float64("celsius", c))
}

// onControlMessage runs inside PollIncoming on the loop goroutine.
func (s *Supervisor) onControlMessage(msg ControlMessage) {
	prev := s.rate.CurrentDelay()
	if err := s.rate.OnControlMessage(msg.Payload); err != nil {
		s.log.Warn("rate selector rejected", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	cur := s.rate.CurrentDelay()
	if cur == prev {
		return
	}
	s.stats.RateChanges++
	if s.rate.IsLowRate() {
		s.log.Info("frame rate lowered", zap.Duration("delay", cur))
	} else {
		s.log.Info("frame rate raised", zap.Duration("delay", cur))
	}
}
