// Package audio implements I2SCapture: it configures the device for
// 16 kHz/16-bit/mono capture and publishes 20 ms AudioFrames to a live
// consumer callback and to a BackBuffer.
//
// Device setup is grounded on the teacher's wakeword.Detector malgo
// configuration (same sample rate, format, channel count, and capture
// callback shape); generalized here from the teacher's ad-hoc chunk
// accumulation into fixed 320-sample AudioFrames with sequence numbers
// and a gain stage, and split out of the detector into its own
// lifecycle so CaptureTask and DetectorTask can be independently
// restarted per spec.md §5.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/logger"
)

// Option configures a Capture.
type Option func(*Capture)

// WithGain sets a software gain multiplier applied before publish.
// Clamped to [0, 8] to avoid runaway amplification/clipping surprises.
func WithGain(g float32) Option {
	return func(c *Capture) {
		if g < 0 {
			g = 0
		}
		if g > 8 {
			g = 8
		}
		c.gain = g
	}
}

// backBufferWriter is the narrow seam Capture needs from the session's
// BackBuffer: append raw PCM bytes as they're produced.
type backBufferWriter interface {
	Write(p []byte)
}

// Capture is I2SCapture: it owns the capture device for its lifetime and
// delivers AudioFrame values to onFrame from the capture task's own
// goroutine, never blocking on network or UI per spec.md §5.
type Capture struct {
	log      *logger.Logger
	backBuf  backBufferWriter
	onFrame  func(domain.AudioFrame)
	gain     float32

	mu      sync.Mutex
	running bool
	mCtx    *malgo.AllocatedContext
	device  *malgo.Device

	seq        atomic.Uint64
	dropCount  atomic.Int64
	frameCount atomic.Int64

	rem []int16 // partial-frame carryover between callback invocations
}

// New creates a Capture that calls onFrame for each 320-sample block and
// mirrors every frame's bytes into backBuf.
func New(onFrame func(domain.AudioFrame), backBuf backBufferWriter, log *logger.Logger, opts ...Option) *Capture {
	c := &Capture{
		log:     log,
		backBuf: backBuf,
		onFrame: onFrame,
		gain:    1.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens the capture device and begins delivering frames. Returns
// domain.ErrAudioFailed wrapped with the underlying cause on device
// errors.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", domain.ErrAudioFailed, err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = domain.SampleRate
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = domain.Channels
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_ []byte, raw []byte, _ uint32) {
			c.onPCM(raw)
		},
	}

	device, err := malgo.InitDevice(mCtx.Context, devCfg, callbacks)
	if err != nil {
		_ = mCtx.Uninit()
		mCtx.Free()
		return fmt.Errorf("%w: init capture device: %v", domain.ErrAudioFailed, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mCtx.Uninit()
		mCtx.Free()
		return fmt.Errorf("%w: start capture device: %v", domain.ErrAudioFailed, err)
	}

	c.mCtx = mCtx
	c.device = device
	c.running = true
	c.log.Info("audio: capture started (rate=%d, frame=%d samples)", domain.SampleRate, domain.SamplesPerFrame)
	return nil
}

// Stop closes the capture device. Safe to call even if Start failed or
// was never called.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	if c.mCtx != nil {
		_ = c.mCtx.Uninit()
		c.mCtx.Free()
		c.mCtx = nil
	}
	c.running = false
	c.log.Info("audio: capture stopped")
}

// DropCount returns how many raw callback buffers were discarded because
// a full AudioFrame could not be assembled in time (diagnostic only; the
// accumulation logic below never drops samples, it only defers them).
func (c *Capture) DropCount() int64 { return c.dropCount.Load() }

// FrameCount returns how many AudioFrames have been published.
func (c *Capture) FrameCount() int64 { return c.frameCount.Load() }

// onPCM runs on the device's own callback goroutine (real-time, must
// never block): it decodes raw bytes to int16 samples, applies gain,
// accumulates into 320-sample frames, and publishes each complete frame.
func (c *Capture) onPCM(raw []byte) {
	if len(raw) == 0 {
		return
	}
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		samples[i] = applyGain(v, c.gain)
	}

	buf := append(c.rem, samples...)
	i := 0
	now := time.Now()
	for ; i+domain.SamplesPerFrame <= len(buf); i += domain.SamplesPerFrame {
		var frame domain.AudioFrame
		copy(frame.Samples[:], buf[i:i+domain.SamplesPerFrame])
		frame.SeqNo = c.seq.Add(1)
		frame.T = now

		c.frameCount.Add(1)
		if c.backBuf != nil {
			c.backBuf.Write(frame.Bytes())
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
	c.rem = append(c.rem[:0], buf[i:]...)
}

// applyGain scales a sample by g, saturating at int16 bounds.
func applyGain(s int16, g float32) int16 {
	if g == 1.0 {
		return s
	}
	v := float32(s) * g
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
