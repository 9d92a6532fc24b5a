package camsend

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

var errAlreadyInitialized = errors.New("camera already initialized")

// GocvDevice captures from a V4L2 camera through OpenCV and encodes JPEG.
type GocvDevice struct {
	id     int
	cap    *gocv.VideoCapture
	frame  gocv.Mat
	params CaptureParams
}

func NewGocvDevice(id int) *GocvDevice {
	return &GocvDevice{id: id}
}

func (d *GocvDevice) Init() error {
	if d.cap != nil {
		return errAlreadyInitialized
	}
	vc, err := gocv.OpenVideoCapture(d.id)
	if err != nil {
		return fmt.Errorf("open video device %d: %w", d.id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("video device %d not opened", d.id)
	}
	d.cap = vc
	d.frame = gocv.NewMat()
	return nil
}

func (d *GocvDevice) Deinit() error {
	if d.cap == nil {
		return nil
	}
	d.frame.Close()
	err := d.cap.Close()
	d.cap = nil
	return err
}

// Configure sets the sensor properties. Flip, mirror and the visual effect
// are applied to each decoded frame before encoding since V4L2 drivers
// rarely expose them.
func (d *GocvDevice) Configure(p CaptureParams) error {
	if d.cap == nil {
		return errors.New("camera not initialized")
	}
	d.cap.Set(gocv.VideoCaptureFrameWidth, float64(p.Width))
	d.cap.Set(gocv.VideoCaptureFrameHeight, float64(p.Height))

	if kelvin := whiteBalanceKelvin[p.WhiteBalance]; kelvin == 0 {
		d.cap.Set(gocv.VideoCaptureAutoWB, 1)
	} else {
		d.cap.Set(gocv.VideoCaptureAutoWB, 0)
		d.cap.Set(gocv.VideoCaptureWBTemperature, kelvin)
	}

	// 0 keeps the driver default
	if p.Saturation != 0 {
		d.cap.Set(gocv.VideoCaptureSaturation, levelToProperty(p.Saturation))
	}
	if p.Brightness != 0 {
		d.cap.Set(gocv.VideoCaptureBrightness, levelToProperty(p.Brightness))
	}
	if p.Contrast != 0 {
		d.cap.Set(gocv.VideoCaptureContrast, levelToProperty(p.Contrast))
	}
	d.params = p

	for i := 0; i < p.WarmupFrames; i++ {
		d.cap.Read(&d.frame)
	}
	return nil
}

func (d *GocvDevice) Capture() ([]byte, error) {
	if d.cap == nil {
		return nil, errors.New("camera not initialized")
	}
	if ok := d.cap.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, fmt.Errorf("read frame from device %d failed", d.id)
	}

	if code, ok := flipCode(d.params.FlipVertical, d.params.Mirror); ok {
		gocv.Flip(d.frame, &d.frame, code)
	}
	switch d.params.Effect {
	case "negative":
		gocv.BitwiseNot(d.frame, &d.frame)
	case "grayscale":
		gocv.CvtColor(d.frame, &d.frame, gocv.ColorBGRToGray)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.frame, []int{gocv.IMWriteJpegQuality, d.params.Quality})
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// V4L2 image controls are commonly 0..255 centred on 128.
const (
	propertyMid  = 128
	propertyStep = 32
)

// levelToProperty maps a -2..2 level onto the V4L2 control range.
func levelToProperty(level int) float64 {
	return float64(propertyMid + level*propertyStep)
}

// flipCode maps the orientation flags onto an OpenCV flip code.
func flipCode(vertical, mirror bool) (int, bool) {
	switch {
	case vertical && mirror:
		return -1, true
	case vertical:
		return 0, true
	case mirror:
		return 1, true
	}
	return 0, false
}
