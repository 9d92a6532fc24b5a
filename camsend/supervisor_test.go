package camsend

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	sup    *Supervisor
	cfg    *DeviceConfig
	radio  *fakeRadio
	client *fakeMQTTClient
	dev    *fakeDevice
	sender *fakeSender
	wd     *fakeWatchdog
	sensor *fakeSensor
	waits  *waitRecorder
	logs   *observer.ObservedLogs
}

func newHarness(frames int) *harness {
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		cfg:    validConfig(),
		radio:  &fakeRadio{connected: true},
		client: newFakeMQTTClient(),
		dev:    &fakeDevice{frames: frames},
		sender: &fakeSender{failOn: map[int]bool{}},
		wd:     &fakeWatchdog{},
		sensor: &fakeSensor{celsius: 47.5},
		waits:  &waitRecorder{},
		logs:   logs,
	}
	h.sup = NewSupervisor(h.cfg, Deps{
		Radio:    h.radio,
		MQTT:     h.client.factory(),
		Camera:   h.dev,
		Dial:     h.sender.dial(),
		Watchdog: h.wd,
		Sensor:   h.sensor,
	}, zap.New(core))
	h.sup.wait = h.waits.wait
	h.sup.link.wait = (&waitRecorder{}).wait
	return h
}

func TestRunStreamsUntilCaptureFails(t *testing.T) {
	h := newHarness(5)

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrCaptureTransient) {
		t.Fatalf("expected transient capture error, got %v", err)
	}
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CaptureError, got %T", err)
	}
	if len(h.sender.sent) != 5 || h.sender.calls != 5 {
		t.Fatalf("sent=%d calls=%d, want 5/5", len(h.sender.sent), h.sender.calls)
	}
	if string(h.sender.sent[4]) != "jpeg-5" {
		t.Fatalf("unexpected last frame %q", h.sender.sent[4])
	}
	if h.dev.captures != 6 || h.dev.deinits != 1 {
		t.Fatalf("captures=%d deinits=%d, want 6/1", h.dev.captures, h.dev.deinits)
	}
	if h.sup.State() != LoopTerminated {
		t.Fatalf("state=%v, want terminated", h.sup.State())
	}
	if h.sender.closed != 1 || h.client.disconnects != 1 {
		t.Fatalf("closed=%d disconnects=%d", h.sender.closed, h.client.disconnects)
	}
	st := h.sup.Stats()
	if st.Iterations != 6 || st.FramesSent != 5 || st.FramesDropped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRunArmsAndFeedsWatchdog(t *testing.T) {
	h := newHarness(4)
	_ = h.sup.Run(context.Background())

	if !h.wd.armed || h.wd.armedAt != 10*time.Second {
		t.Fatalf("watchdog armed=%v at %v", h.wd.armed, h.wd.armedAt)
	}
	// six startup steps, then one feed per completed iteration
	if h.wd.feeds != 6+4 {
		t.Fatalf("feeds=%d, want 10", h.wd.feeds)
	}
}

type startupProgress struct {
	linked, connected bool
	subscribes        int
	inits, configures int
	dialed            bool
}

func TestRunFeedsWatchdogBetweenStartupSteps(t *testing.T) {
	h := newHarness(0)
	h.radio.connected = false
	h.radio.succeedOnProbe = 2

	dialed := false
	dial := h.sender.dial()
	h.sup.deps.Dial = func(c TransportConfig, l *zap.Logger) (FrameSender, error) {
		dialed = true
		return dial(c, l)
	}
	var seen []startupProgress
	h.wd.onFeed = func() {
		seen = append(seen, startupProgress{
			linked:     h.radio.connected,
			connected:  h.client.connected,
			subscribes: h.client.subscribeCalls,
			inits:      h.dev.inits,
			configures: h.dev.configures,
			dialed:     dialed,
		})
	}

	if err := h.sup.Run(context.Background()); !errors.Is(err, ErrCaptureTransient) {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []startupProgress{
		{linked: true},
		{linked: true, connected: true},
		{linked: true, connected: true, subscribes: 1},
		{linked: true, connected: true, subscribes: 1, inits: 1},
		{linked: true, connected: true, subscribes: 1, inits: 1, configures: 1},
		{linked: true, connected: true, subscribes: 1, inits: 1, configures: 1, dialed: true},
	}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("feeds during startup:\n got %+v\nwant %+v", seen, want)
	}
	// with the default policy the link step alone fits in the timeout
	if budget := h.cfg.LinkBudget(); budget >= h.cfg.Watchdog.Timeout {
		t.Fatalf("link budget %v exceeds watchdog %v", budget, h.cfg.Watchdog.Timeout)
	}
}

func TestRunSendFailureIsNotFatal(t *testing.T) {
	h := newHarness(3)
	h.sender.failOn[2] = true

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrCaptureTransient) {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.sender.calls != 3 || len(h.sender.sent) != 2 {
		t.Fatalf("calls=%d sent=%d, want 3/2", h.sender.calls, len(h.sender.sent))
	}
	if string(h.sender.sent[1]) != "jpeg-3" {
		t.Fatalf("frame after the failed send was not sent: %q", h.sender.sent[1])
	}
	st := h.sup.Stats()
	if st.FramesSent != 2 || st.FramesDropped != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if n := h.logs.FilterMessage("frame dropped").Len(); n != 1 {
		t.Fatalf("logged %d drops, want 1", n)
	}
}

func TestRunAppliesRateSelectors(t *testing.T) {
	h := newHarness(8)
	h.dev.onCapture = func(n int) {
		switch n {
		case 3:
			h.client.deliver("camera_frq", "1")
		case 6:
			h.client.deliver("camera_frq", "0")
		}
	}

	_ = h.sup.Run(context.Background())

	fast, slow := 100*time.Millisecond, 500*time.Millisecond
	// a selector takes effect on the next poll
	want := []time.Duration{fast, fast, fast, slow, slow, slow, fast, fast}
	if !reflect.DeepEqual(h.waits.waits, want) {
		t.Fatalf("waits=%v, want %v", h.waits.waits, want)
	}
	if h.sup.Stats().RateChanges != 2 {
		t.Fatalf("rate changes=%d, want 2", h.sup.Stats().RateChanges)
	}
}

func TestRunIgnoresMalformedSelector(t *testing.T) {
	h := newHarness(3)
	h.dev.onCapture = func(n int) {
		if n == 1 {
			h.client.deliver("camera_frq", "1")
		}
		if n == 2 {
			h.client.deliver("camera_frq", "slow please")
		}
	}

	_ = h.sup.Run(context.Background())

	if h.sup.CurrentDelay() != 500*time.Millisecond {
		t.Fatalf("delay=%v, want low rate kept", h.sup.CurrentDelay())
	}
	if h.logs.FilterMessage("rate selector rejected").Len() != 1 {
		t.Fatalf("malformed selector not logged")
	}
}

func TestRunSamplesTemperature(t *testing.T) {
	h := newHarness(250)
	_ = h.sup.Run(context.Background())

	if h.sensor.reads != 2 {
		t.Fatalf("reads=%d, want 2 over 251 iterations", h.sensor.reads)
	}
	if h.sup.Stats().TemperatureSamples != 2 {
		t.Fatalf("samples=%d", h.sup.Stats().TemperatureSamples)
	}
	entries := h.logs.FilterMessage("device temperature").All()
	if len(entries) != 2 || entries[0].ContextMap()["celsius"] != 47.5 {
		t.Fatalf("unexpected temperature logs: %v", entries)
	}
}

func TestRunSampleFailureIsNotFatal(t *testing.T) {
	h := newHarness(101)
	h.sensor.err = errors.New("no such file")

	err := h.sup.Run(context.Background())
	if !errors.Is(err, ErrCaptureTransient) {
		t.Fatalf("unexpected error: %v", err)
	}
	// iteration 101 still ran after the failed sample on iteration 100
	if h.sensor.reads != 1 || len(h.sender.sent) != 101 {
		t.Fatalf("reads=%d sent=%d", h.sensor.reads, len(h.sender.sent))
	}
	if h.sup.Stats().SampleFailures != 1 {
		t.Fatalf("sample failures=%d", h.sup.Stats().SampleFailures)
	}
}

func TestRunCancelledReleasesCamera(t *testing.T) {
	h := newHarness(1000)
	ctx, cancel := context.WithCancel(context.Background())
	h.sup.wait = func(ctx context.Context, d time.Duration) error {
		h.waits.waits = append(h.waits.waits, d)
		if len(h.waits.waits) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	err := h.sup.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.dev.deinits != 1 || h.sup.State() != LoopTerminated {
		t.Fatalf("deinits=%d state=%v", h.dev.deinits, h.sup.State())
	}
	if len(h.sender.sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(h.sender.sent))
	}
}

func TestRunStartupFailures(t *testing.T) {
	t.Run("watchdog", func(t *testing.T) {
		h := newHarness(1)
		h.wd.armErr = ErrWatchdogUnsupported
		if err := h.sup.Run(context.Background()); !errors.Is(err, ErrWatchdogUnsupported) {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.radio.activations != 0 || h.dev.inits != 0 {
			t.Fatalf("components touched before the watchdog was armed")
		}
	})

	t.Run("link", func(t *testing.T) {
		h := newHarness(1)
		h.radio.connected = false
		if err := h.sup.Run(context.Background()); !errors.Is(err, ErrAssociationTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.dev.inits != 0 || h.sender.calls != 0 {
			t.Fatalf("camera or transport used without a link")
		}
		if h.sup.State() != LoopTerminated {
			t.Fatalf("state=%v", h.sup.State())
		}
	})

	t.Run("broker", func(t *testing.T) {
		h := newHarness(1)
		h.client.connectToken.timeout = true
		err := h.sup.Run(context.Background())
		var ce *ChannelError
		if !errors.As(err, &ce) || !errors.Is(err, ErrChannelTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.dev.inits != 0 {
			t.Fatalf("camera initialised after broker failure")
		}
	})

	t.Run("camera", func(t *testing.T) {
		h := newHarness(1)
		h.dev.initErrs = []error{errors.New("i2c"), errors.New("i2c")}
		if err := h.sup.Run(context.Background()); !errors.Is(err, ErrCaptureInitFault) {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.sender.calls != 0 {
			t.Fatalf("streamed after camera init fault")
		}
		// link, mqtt connect and subscribe completed
		if h.wd.feeds != 3 {
			t.Fatalf("feeds=%d, want 3", h.wd.feeds)
		}
	})

	t.Run("transport", func(t *testing.T) {
		h := newHarness(1)
		h.sup.deps.Dial = func(TransportConfig, *zap.Logger) (FrameSender, error) {
			return nil, &TransportError{Op: "init", Err: errors.New("no route")}
		}
		err := h.sup.Run(context.Background())
		var te *TransportError
		if !errors.As(err, &te) || te.Op != "init" {
			t.Fatalf("unexpected error: %v", err)
		}
		// camera was initialised, so it must be released
		if h.dev.deinits != 1 {
			t.Fatalf("deinits=%d, want 1", h.dev.deinits)
		}
	})
}
