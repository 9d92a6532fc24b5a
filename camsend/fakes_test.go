package camsend

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ---- link ----

type fakeRadio struct {
	connected bool
	// after Connect, the Nth probe reports connected; 0 never
	succeedOnProbe int
	connectErr     error

	activations int
	connects    int
	probes      int
}

func (r *fakeRadio) Activate() error {
	r.activations++
	return nil
}

func (r *fakeRadio) Connect(string, string) error {
	r.connects++
	return r.connectErr
}

func (r *fakeRadio) IsConnected() bool {
	if r.connects > 0 {
		r.probes++
		if r.succeedOnProbe > 0 && r.probes >= r.succeedOnProbe {
			r.connected = true
		}
	}
	return r.connected
}

type recordingIndicator struct {
	flashes []time.Duration
}

func (i *recordingIndicator) Flash(d time.Duration) { i.flashes = append(i.flashes, d) }

type waitRecorder struct {
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return ctx.Err()
}

func (w *waitRecorder) total() time.Duration {
	var sum time.Duration
	for _, d := range w.waits {
		sum += d
	}
	return sum
}

// ---- mqtt ----

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeMQTTClient implements the parts of mqtt.Client the channel uses; the
// embedded interface is nil so anything else panics.
type fakeMQTTClient struct {
	mqtt.Client

	opts           *mqtt.ClientOptions
	connectToken   fakeToken
	subscribeToken fakeToken

	connected      bool
	handlers       map[string]mqtt.MessageHandler
	subscribeCalls int
	disconnects    int
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeMQTTClient) factory() ClientFactory {
	return func(o *mqtt.ClientOptions) mqtt.Client {
		c.opts = o
		return c
	}
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	if c.connectToken.err == nil && !c.connectToken.timeout {
		c.connected = true
	}
	return &c.connectToken
}

func (c *fakeMQTTClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.subscribeCalls++
	if c.subscribeToken.err == nil && !c.subscribeToken.timeout {
		c.handlers[topic] = cb
	}
	return &c.subscribeToken
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Disconnect(uint) {
	c.disconnects++
	c.connected = false
}

// deliver hands a message to the client callbacks as the broker would.
func (c *fakeMQTTClient) deliver(topic, payload string) {
	h, ok := c.handlers[topic]
	if !ok {
		h = c.opts.DefaultPublishHandler
	}
	h(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

// ---- capture ----

type fakeDevice struct {
	initErrs     []error
	configureErr error
	// number of successful captures before the device wedges
	frames    int
	onCapture func(n int)
	emptyAt   int

	inits, deinits, configures, captures int
	params                               CaptureParams
}

func (d *fakeDevice) Init() error {
	d.inits++
	if len(d.initErrs) > 0 {
		err := d.initErrs[0]
		d.initErrs = d.initErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDevice) Deinit() error {
	d.deinits++
	return nil
}

func (d *fakeDevice) Configure(p CaptureParams) error {
	d.configures++
	d.params = p
	return d.configureErr
}

func (d *fakeDevice) Capture() ([]byte, error) {
	d.captures++
	if d.onCapture != nil {
		d.onCapture(d.captures)
	}
	if d.captures > d.frames {
		return nil, errors.New("sensor wedged")
	}
	if d.captures == d.emptyAt {
		return nil, nil
	}
	return []byte(fmt.Sprintf("jpeg-%d", d.captures)), nil
}

// ---- transport ----

type fakeSender struct {
	failOn map[int]bool
	calls  int
	sent   [][]byte
	closed int
}

func (s *fakeSender) SendFrame(buf []byte) error {
	s.calls++
	if s.failOn[s.calls] {
		return &TransportError{Op: "send", Err: errors.New("network unreachable")}
	}
	s.sent = append(s.sent, append([]byte(nil), buf...))
	return nil
}

func (s *fakeSender) Close() error {
	s.closed++
	return nil
}

func (s *fakeSender) dial() DialFunc {
	return func(TransportConfig, *zap.Logger) (FrameSender, error) { return s, nil }
}

// ---- watchdog / diagnostics ----

type fakeWatchdog struct {
	armErr  error
	onFeed  func()
	armedAt time.Duration
	armed   bool
	feeds   int
}

func (w *fakeWatchdog) Arm(d time.Duration) error {
	if w.armErr != nil {
		return w.armErr
	}
	w.armed = true
	w.armedAt = d
	return nil
}

func (w *fakeWatchdog) Feed() error {
	w.feeds++
	if w.onFeed != nil {
		w.onFeed()
	}
	return nil
}

func (w *fakeWatchdog) Close() error { return nil }

type fakeSensor struct {
	celsius float64
	err     error
	reads   int
}

func (s *fakeSensor) ReadCelsius() (float64, error) {
	s.reads++
	return s.celsius, s.err
}
