package camsend

import (
	"errors"

	"go.uber.org/zap"
)

var errEmptyFrame = errors.New("empty frame")

// CaptureDevice is the camera driver: it initialises the sensor, applies
// parameters and returns one encoded frame per Capture call.
type CaptureDevice interface {
	Init() error
	Deinit() error
	Configure(CaptureParams) error
	Capture() ([]byte, error)
}

// CaptureSession owns the capture device lifecycle:
// Init, Configure, CaptureOne repeatedly, then Release exactly once.
type CaptureSession struct {
	dev CaptureDevice
	log *zap.Logger

	initialized bool
	configured  bool
	released    bool
}

func NewCaptureSession(dev CaptureDevice, logger *zap.Logger) *CaptureSession {
	return &CaptureSession{dev: dev, log: orNop(logger).Named("capture")}
}

// Init initialises the device. A failed first attempt usually means the
// previous run left the sensor initialised, so the device is deinitialised
// and initialised once more before giving up with CaptureInitFault.
func (s *CaptureSession) Init() error {
	s.log.Info("initialising camera")
	err := s.dev.Init()
	if err == nil {
		s.initialized = true
		s.released = false
		return nil
	}
	s.log.Warn("camera init failed, forcing deinit and retry", zap.Error(err))
	if derr := s.dev.Deinit(); derr != nil {
		s.log.Debug("forced deinit failed", zap.Error(derr))
	}
	if err := s.dev.Init(); err != nil {
		return &CaptureError{Kind: CaptureInitFault, Err: err}
	}
	s.initialized = true
	s.released = false
	return nil
}

// Configure applies p once; later calls are no-ops.
func (s *CaptureSession) Configure(p CaptureParams) error {
	if s.configured {
		return nil
	}
	s.log.Info("configuring camera",
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
		zap.Bool("flip_vertical", p.FlipVertical),
		zap.Bool("mirror", p.Mirror),
		zap.String("effect", p.Effect),
		zap.String("white_balance", p.WhiteBalance),
		zap.Int("quality", p.Quality))
	if err := s.dev.Configure(p); err != nil {
		return &CaptureError{Kind: CaptureInitFault, Err: err}
	}
	s.configured = true
	return nil
}

// CaptureOne returns one encoded frame. Every fault, including an empty
// buffer, is a CaptureTransient error.
func (s *CaptureSession) CaptureOne() ([]byte, error) {
	buf, err := s.dev.Capture()
	if err != nil {
		return nil, &CaptureError{Kind: CaptureTransient, Err: err}
	}
	if len(buf) == 0 {
		return nil, &CaptureError{Kind: CaptureTransient, Err: errEmptyFrame}
	}
	return buf, nil
}

// Release deinitialises the device. It is idempotent.
func (s *CaptureSession) Release() error {
	if s.released || !s.initialized {
		return nil
	}
	s.released = true
	s.initialized = false
	s.configured = false
	s.log.Info("releasing camera")
	return s.dev.Deinit()
}
