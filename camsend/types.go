package camsend

import "time"

// LinkState is the association state tracked by LinkManager.
type LinkState byte

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// LoopState is the Supervisor's lifecycle phase.
type LoopState byte

const (
	LoopInit LoopState = iota
	LoopConnecting
	LoopStreaming
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopInit:
		return "init"
	case LoopConnecting:
		return "connecting"
	case LoopStreaming:
		return "streaming"
	case LoopTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ControlMessage is one inbound message from the control channel.
type ControlMessage struct {
	Topic   string
	Payload []byte
}

// CaptureParams is the fixed parameter set applied once after the capture
// device is initialised.
type CaptureParams struct {
	FlipVertical bool
	Mirror       bool
	Width        int
	Height       int
	Effect       string
	WhiteBalance string
	Saturation   int
	Brightness   int
	Contrast     int
	Quality      int
	WarmupFrames int
}

// LoopStats counts what happened while streaming.
type LoopStats struct {
	Iterations         uint64
	FramesSent         uint64
	FramesDropped      uint64
	TemperatureSamples uint64
	SampleFailures     uint64
	RateChanges        uint64
	WatchdogFeedErrors uint64
	StartedAt          time.Time
	StoppedAt          time.Time
}
