package camsend

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is created once at startup and never mutated afterwards.
type DeviceConfig struct {
	WiFi        WiFiConfig        `mapstructure:"wifi" yaml:"wifi"`
	Link        LinkConfig        `mapstructure:"link" yaml:"link"`
	Indicator   IndicatorConfig   `mapstructure:"indicator" yaml:"indicator"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	Camera      CameraConfig      `mapstructure:"camera" yaml:"camera"`
	Rate        RateConfig        `mapstructure:"rate" yaml:"rate"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog" yaml:"watchdog"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	Loop        LoopConfig        `mapstructure:"loop" yaml:"loop"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

type WiFiConfig struct {
	SSID      string `mapstructure:"ssid" yaml:"ssid"`
	Password  string `mapstructure:"password" yaml:"password"`
	Interface string `mapstructure:"interface" yaml:"interface"`
}

// LinkConfig is the association retry policy. The values are tied to the
// radio and the access point, not to the algorithm.
type LinkConfig struct {
	SettleWindow  time.Duration `mapstructure:"settle_window" yaml:"settle_window"`
	RetryLimit    int           `mapstructure:"retry_limit" yaml:"retry_limit"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	AttemptBlink  time.Duration `mapstructure:"attempt_blink" yaml:"attempt_blink"`
	ErrorBlink    time.Duration `mapstructure:"error_blink" yaml:"error_blink"`
	SuccessBlink  time.Duration `mapstructure:"success_blink" yaml:"success_blink"`
}

type IndicatorConfig struct {
	// GPIO is the flash LED pin; negative disables the light.
	GPIO      int    `mapstructure:"gpio" yaml:"gpio"`
	SysfsRoot string `mapstructure:"sysfs_root" yaml:"sysfs_root"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker" yaml:"broker"`
	Port           int           `mapstructure:"port" yaml:"port"`
	User           string        `mapstructure:"user" yaml:"user"`
	Password       string        `mapstructure:"password" yaml:"password"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	QoS            byte          `mapstructure:"qos" yaml:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	InboxSize      int           `mapstructure:"inbox_size" yaml:"inbox_size"`
	CleanSession   bool          `mapstructure:"clean_session" yaml:"clean_session"`
}

type TransportConfig struct {
	PeerHost    string        `mapstructure:"peer_host" yaml:"peer_host"`
	PeerPort    int           `mapstructure:"peer_port" yaml:"peer_port"`
	Marker      string        `mapstructure:"marker" yaml:"marker"`
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

type CameraConfig struct {
	Device       int    `mapstructure:"device" yaml:"device"`
	FrameSize    string `mapstructure:"frame_size" yaml:"frame_size"`
	FlipVertical bool   `mapstructure:"flip_vertical" yaml:"flip_vertical"`
	Mirror       bool   `mapstructure:"mirror" yaml:"mirror"`
	Effect       string `mapstructure:"effect" yaml:"effect"`
	WhiteBalance string `mapstructure:"white_balance" yaml:"white_balance"`
	Saturation   int    `mapstructure:"saturation" yaml:"saturation"`
	Brightness   int    `mapstructure:"brightness" yaml:"brightness"`
	Contrast     int    `mapstructure:"contrast" yaml:"contrast"`
	Quality      int    `mapstructure:"quality" yaml:"quality"`
	WarmupFrames int    `mapstructure:"warmup_frames" yaml:"warmup_frames"`
}

type RateConfig struct {
	High time.Duration `mapstructure:"high" yaml:"high"`
	Low  time.Duration `mapstructure:"low" yaml:"low"`
}

type WatchdogConfig struct {
	Device  string        `mapstructure:"device" yaml:"device"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type DiagnosticsConfig struct {
	Every       int    `mapstructure:"every" yaml:"every"`
	SensorPath  string `mapstructure:"sensor_path" yaml:"sensor_path"`
	SensorScale string `mapstructure:"sensor_scale" yaml:"sensor_scale"`
}

// LoopConfig bounds one streaming iteration, excluding the frame send
// (bounded by TransportConfig.SendTimeout) and the inter-frame sleep.
type LoopConfig struct {
	IterationBudget time.Duration `mapstructure:"iteration_budget" yaml:"iteration_budget"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type frameSize struct {
	Width, Height int
}

var frameSizes = map[string]frameSize{
	"96x96": {96, 96},
	"qqvga": {160, 120},
	"qvga":  {320, 240},
	"hvga":  {480, 320},
	"vga":   {640, 480},
	"svga":  {800, 600},
	"xga":   {1024, 768},
	"hd":    {1280, 720},
	"uxga":  {1600, 1200},
	"fhd":   {1920, 1080},
}

var validEffects = map[string]bool{"none": true, "negative": true, "grayscale": true}

// whiteBalanceKelvin maps presets to a colour temperature; 0 means auto.
var whiteBalanceKelvin = map[string]float64{
	"none":   0,
	"sunny":  5500,
	"cloudy": 6500,
	"office": 4000,
	"home":   2800,
}

// DefaultConfig returns a DeviceConfig populated with the stock policy.
func DefaultConfig() *DeviceConfig {
	return &DeviceConfig{
		WiFi: WiFiConfig{Interface: "wlan0"},
		Link: LinkConfig{
			SettleWindow:  5 * time.Second,
			RetryLimit:    2,
			RetryInterval: time.Second,
			AttemptBlink:  100 * time.Millisecond,
			ErrorBlink:    500 * time.Millisecond,
			SuccessBlink:  time.Second,
		},
		Indicator: IndicatorConfig{GPIO: 4, SysfsRoot: "/sys/class/gpio"},
		MQTT: MQTTConfig{
			Port:           1883,
			ClientID:       "camera_client",
			Topic:          "camera_frq",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 5 * time.Second,
			InboxSize:      16,
		},
		Transport: TransportConfig{
			Marker:      "cameraSend",
			SendTimeout: 500 * time.Millisecond,
		},
		Camera: CameraConfig{
			FrameSize:    "hvga",
			Mirror:       true,
			Effect:       "none",
			WhiteBalance: "home",
			Quality:      90,
		},
		Rate: RateConfig{
			High: 100 * time.Millisecond,
			Low:  500 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Device:  "/dev/watchdog",
			Timeout: 10 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Every:       100,
			SensorPath:  "/sys/class/thermal/thermal_zone0/temp",
			SensorScale: ScaleMilliCelsius,
		},
		Loop: LoopConfig{IterationBudget: 2 * time.Second},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "/var/log/camsend/camsend.log",
				MaxSizeMB:  5,
				MaxBackups: 2,
				MaxAgeDays: 7,
				Compress:   true,
			},
		},
	}
}

// LoadConfig reads configuration from path (if non-empty), otherwise from
// $CAMSEND_CONFIG or a camsend.yaml found in the usual locations. Environment
// variables prefixed CAMSEND_ override file values, e.g.
// CAMSEND_MQTT_BROKER=10.0.0.2.
func LoadConfig(path string) (*DeviceConfig, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CAMSEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed every key so env-only configs work
	seed, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(seed)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CAMSEND_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("camsend")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/camsend")
	}

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises enum-like fields and checks the configuration,
// including the watchdog liveness bound.
func (c *DeviceConfig) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.WiFi.SSID) == "" {
		fail("wifi.ssid is required")
	}
	if c.Link.RetryLimit < 1 {
		fail("link.retry_limit must be >= 1, got %d", c.Link.RetryLimit)
	}
	for name, d := range map[string]time.Duration{
		"link.settle_window":     c.Link.SettleWindow,
		"link.retry_interval":    c.Link.RetryInterval,
		"mqtt.connect_timeout":   c.MQTT.ConnectTimeout,
		"transport.send_timeout": c.Transport.SendTimeout,
		"rate.high":              c.Rate.High,
		"rate.low":               c.Rate.Low,
		"watchdog.timeout":       c.Watchdog.Timeout,
		"loop.iteration_budget":  c.Loop.IterationBudget,
	} {
		if d <= 0 {
			fail("%s must be positive, got %s", name, d)
		}
	}

	if strings.TrimSpace(c.MQTT.Broker) == "" {
		fail("mqtt.broker is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		fail("mqtt.port out of range: %d", c.MQTT.Port)
	}
	if c.MQTT.Topic == "" {
		fail("mqtt.topic is required")
	}
	if c.MQTT.ClientID == "" {
		fail("mqtt.client_id is required")
	}
	if c.MQTT.QoS > 2 {
		fail("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.InboxSize < 1 {
		c.MQTT.InboxSize = 16
	}

	if strings.TrimSpace(c.Transport.PeerHost) == "" {
		fail("transport.peer_host is required")
	}
	if c.Transport.PeerPort < 1 || c.Transport.PeerPort > 65535 {
		fail("transport.peer_port out of range: %d", c.Transport.PeerPort)
	}

	c.Camera.FrameSize = strings.ToLower(strings.TrimSpace(c.Camera.FrameSize))
	if _, ok := frameSizes[c.Camera.FrameSize]; !ok {
		fail("unknown camera.frame_size %q", c.Camera.FrameSize)
	}
	c.Camera.Effect = strings.ToLower(strings.TrimSpace(c.Camera.Effect))
	if !validEffects[c.Camera.Effect] {
		fail("unknown camera.effect %q", c.Camera.Effect)
	}
	c.Camera.WhiteBalance = strings.ToLower(strings.TrimSpace(c.Camera.WhiteBalance))
	if _, ok := whiteBalanceKelvin[c.Camera.WhiteBalance]; !ok {
		fail("unknown camera.white_balance %q", c.Camera.WhiteBalance)
	}
	for name, lvl := range map[string]int{
		"camera.saturation": c.Camera.Saturation,
		"camera.brightness": c.Camera.Brightness,
		"camera.contrast":   c.Camera.Contrast,
	} {
		if lvl < -2 || lvl > 2 {
			fail("%s must be within [-2, 2], got %d", name, lvl)
		}
	}
	if c.Camera.Quality < 0 || c.Camera.Quality > 100 {
		fail("camera.quality must be within [0, 100], got %d", c.Camera.Quality)
	}

	if c.Rate.High > c.Rate.Low {
		fail("rate.high (%s) must not be slower than rate.low (%s)", c.Rate.High, c.Rate.Low)
	}

	if c.Diagnostics.Every < 1 {
		fail("diagnostics.every must be >= 1, got %d", c.Diagnostics.Every)
	}
	c.Diagnostics.SensorScale = strings.ToLower(strings.TrimSpace(c.Diagnostics.SensorScale))
	switch c.Diagnostics.SensorScale {
	case ScaleMilliCelsius, ScaleCelsius, ScaleFahrenheit:
	default:
		fail("unknown diagnostics.sensor_scale %q", c.Diagnostics.SensorScale)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if worst := c.WorstCaseIteration(); worst >= c.Watchdog.Timeout {
		fail("worst-case iteration %s must be shorter than watchdog.timeout %s", worst, c.Watchdog.Timeout)
	}
	// startup feeds the watchdog between steps, so each step must fit alone
	if link := c.LinkBudget(); link >= c.Watchdog.Timeout {
		fail("worst-case link phase %s must be shorter than watchdog.timeout %s", link, c.Watchdog.Timeout)
	}
	if c.MQTT.ConnectTimeout >= c.Watchdog.Timeout {
		fail("mqtt.connect_timeout %s must be shorter than watchdog.timeout %s", c.MQTT.ConnectTimeout, c.Watchdog.Timeout)
	}

	return errors.Join(errs...)
}

// WorstCaseIteration is the longest one streaming iteration may take:
// the slow cadence plus the send bound plus the remaining loop budget.
func (c *DeviceConfig) WorstCaseIteration() time.Duration {
	return c.Rate.Low + c.Transport.SendTimeout + c.Loop.IterationBudget
}

// EstimatedFrameBytes is a rough size of one datagram for the configured
// frame size and JPEG quality, assuming 0.5 to 2 bits per pixel.
func (c *DeviceConfig) EstimatedFrameBytes() int {
	fs := frameSizes[c.Camera.FrameSize]
	bpp := 0.5 + 1.5*float64(c.Camera.Quality)/100
	return len(c.Transport.Marker) + int(float64(fs.Width*fs.Height)*bpp/8)
}

// Warnings lists settings that are valid but likely to misbehave.
func (c *DeviceConfig) Warnings() []string {
	var w []string
	if est := c.EstimatedFrameBytes(); est > MaxDatagram {
		w = append(w, fmt.Sprintf("camera.frame_size %s at quality %d yields about %d bytes per frame, over the %d byte datagram limit; most frames will be dropped",
			c.Camera.FrameSize, c.Camera.Quality, est, MaxDatagram))
	}
	return w
}

// LinkBudget is the longest a successful or failed association may block:
// the settle window, then either a success after the last-but-one failed
// probe or every probe failing. A flash of d takes 3*d.
func (c *DeviceConfig) LinkBudget() time.Duration {
	probe := c.Link.RetryInterval + 3*c.Link.AttemptBlink
	limit := time.Duration(c.Link.RetryLimit)
	success := (limit-1)*probe + 3*c.Link.SuccessBlink
	failure := limit*probe + 3*c.Link.ErrorBlink
	return c.Link.SettleWindow + max(success, failure)
}

// CaptureParams resolves the camera section into the parameter set applied
// to the device.
func (c *DeviceConfig) CaptureParams() CaptureParams {
	fs := frameSizes[c.Camera.FrameSize]
	return CaptureParams{
		FlipVertical: c.Camera.FlipVertical,
		Mirror:       c.Camera.Mirror,
		Width:        fs.Width,
		Height:       fs.Height,
		Effect:       c.Camera.Effect,
		WhiteBalance: c.Camera.WhiteBalance,
		Saturation:   c.Camera.Saturation,
		Brightness:   c.Camera.Brightness,
		Contrast:     c.Camera.Contrast,
		Quality:      c.Camera.Quality,
		WarmupFrames: c.Camera.WarmupFrames,
	}
}

// Redacted returns a copy with credentials masked.
func (c *DeviceConfig) Redacted() *DeviceConfig {
	cp := *c
	cp.Log.Outputs = append([]string(nil), c.Log.Outputs...)
	if cp.WiFi.Password != "" {
		cp.WiFi.Password = "***"
	}
	if cp.MQTT.Password != "" {
		cp.MQTT.Password = "***"
	}
	return &cp
}

// YAML renders the configuration as a YAML document.
func (c *DeviceConfig) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
