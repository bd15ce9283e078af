package domain

import "time"

// Clock is the virtual time seam used by SessionStateMachine so tests can
// advance timers deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Frontend turns a stream of PCM samples into feature windows. Satisfied
// by *mfcc.Frontend; a fake implementation lets detector/session tests run
// without real DSP.
type Frontend interface {
	ProcessSamples(pcm []int16) bool
	GetFeatures() FeatureWindow
	Reset()
}

// Detector runs inference on feature windows and commits Detections.
// Satisfied by *wakeword.Detector.
type Detector interface {
	Enable()
	Disable()
	Reset()
	SetThreshold(t float64)
	SetDetectionCallback(fn func(Detection))
}

// Transport is the SecureLink seam: a single trait object used at the
// streaming boundary so SessionStateMachine and its tests never depend on
// a live socket.
type Transport interface {
	State() LinkState
	SendConfig(roomID string) error
	SendPCM(frame []byte) error
	SendEOF() error
	Subscribe(func(LinkState))
}
