// Package wakeword runs the INT8-quantized wake-word CNN on each new
// FeatureWindow produced by internal/mfcc, post-processes the score
// through a trailing step-count window, and commits a Detection once the
// score has stayed above threshold for trigger_duration_ms.
//
// The session-management shape (ort.NewAdvancedSession, tensor lifetime,
// Pause/Resume/reset semantics) is carried over from the teacher's
// three-stage openWakeWord pipeline, collapsed here onto a single model
// consuming a [1,49,40] INT8 tensor instead of raw audio.
package wakeword

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/logger"
	ort "github.com/yalue/onnxruntime_go"
)

// Config holds tuning knobs and asset paths for a Detector.
type Config struct {
	ModelPath string // ONNX graph + trailer, see model.go
	OnnxLib   string // path to the ONNX Runtime shared library

	Threshold         float64       // default 0.9
	TriggerDurationMs int           // default 450; commit gate, see commit policy below
	HopMs             int           // default 10, matches mfcc.HopSize at 16 kHz
	Cooldown          time.Duration // default 1.5s, suppresses immediate re-trigger after commit
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.9
	}
	if c.TriggerDurationMs <= 0 {
		c.TriggerDurationMs = 450
	}
	if c.HopMs <= 0 {
		c.HopMs = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 1500 * time.Millisecond
	}
}

// stepsRequired returns ceil(TriggerDurationMs / HopMs).
func (c *Config) stepsRequired() int {
	return (c.TriggerDurationMs + c.HopMs - 1) / c.HopMs
}

// Stats exposes the detector's control-surface counters (spec.md §4.5).
type Stats struct {
	Count             int64
	LastConfidence    float64
	MeanInferenceTime time.Duration
}

// Detector runs the INT8 CNN on each new FeatureWindow and invokes the
// callback set by SetDetectionCallback with a committed domain.Detection.
type Detector struct {
	cfg   Config
	model *ModelAsset
	log   *logger.Logger

	sess   *ort.AdvancedSession
	input  *ort.Tensor[int8]
	output *ort.Tensor[float32]

	mu                sync.Mutex
	enabled           bool
	paused            bool
	threshold         float64
	aboveRun          int
	firstAboveAt      time.Time
	lastCommitAt      time.Time
	onDetected        func(domain.Detection)

	count          atomic.Int64
	lastConfidence atomic.Uint64 // float64 bits
	inferenceCount atomic.Int64
	inferenceNanos atomic.Int64
	dropCount      atomic.Int64
}

// New loads the model asset and initializes the ONNX Runtime session.
// Call Close when the detector is no longer needed.
func New(cfg Config, log *logger.Logger) (*Detector, error) {
	cfg.defaults()

	model, err := LoadModel(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:       cfg,
		model:     model,
		log:       log,
		enabled:   true,
		threshold: cfg.Threshold,
	}

	ort.SetSharedLibraryPath(cfg.OnnxLib)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: onnx init: %v", domain.ErrModelFailed, err)
	}

	inputShape := ort.NewShape(1, domain.FeatureFrames, domain.FeatureCoeffs)
	input, err := ort.NewEmptyTensor[int8](inputShape)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: alloc input tensor: %v", domain.ErrModelFailed, err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: alloc output tensor: %v", domain.ErrModelFailed, err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(model.Path)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: model info: %v", domain.ErrModelFailed, err)
	}

	sess, err := ort.NewAdvancedSession(
		model.Path,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{input}, []ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: session init: %v", domain.ErrModelFailed, err)
	}

	d.sess = sess
	d.input = input
	d.output = output
	return d, nil
}

// Close releases the ONNX session and runtime.
func (d *Detector) Close() {
	if d.sess != nil {
		d.sess.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	if d.output != nil {
		d.output.Destroy()
	}
	ort.DestroyEnvironment()
}

// Enable turns detection on.
func (d *Detector) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
}

// Disable turns detection off; Infer becomes a no-op until Enable.
func (d *Detector) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

// Pause suspends scoring without resetting counters (e.g. while the link
// is not READY) — kept distinct from Disable so NodeSupervisor and
// SessionStateMachine have independent on/off switches.
func (d *Detector) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables scoring after Pause and flushes the trailing window
// so stale above-threshold runs don't immediately commit.
func (d *Detector) Resume() {
	d.mu.Lock()
	d.paused = false
	d.aboveRun = 0
	d.firstAboveAt = time.Time{}
	d.mu.Unlock()
}

// Reset clears all pipeline and counter state (spec.md control surface).
func (d *Detector) Reset() {
	d.mu.Lock()
	d.aboveRun = 0
	d.firstAboveAt = time.Time{}
	d.lastCommitAt = time.Time{}
	d.mu.Unlock()
	d.count.Store(0)
	d.lastConfidence.Store(0)
	d.inferenceCount.Store(0)
	d.inferenceNanos.Store(0)
	d.dropCount.Store(0)
}

// SetThreshold updates the score threshold, bounded to [0,1].
func (d *Detector) SetThreshold(t float64) {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	d.mu.Lock()
	d.threshold = t
	d.mu.Unlock()
}

// SetDetectionCallback registers fn to be invoked (synchronously, from
// whatever goroutine calls Infer) on each committed Detection.
func (d *Detector) SetDetectionCallback(fn func(domain.Detection)) {
	d.mu.Lock()
	d.onDetected = fn
	d.mu.Unlock()
}

var _ domain.Detector = (*Detector)(nil)

// Infer runs the model on window and evaluates the commit policy. Any
// per-call inference failure drops the step and bumps dropCount rather
// than propagating an error, per the hot-path error-handling design.
func (d *Detector) Infer(window domain.FeatureWindow) {
	d.mu.Lock()
	if !d.enabled || d.paused {
		d.mu.Unlock()
		return
	}
	threshold := d.threshold
	d.mu.Unlock()

	q := quantizeWindow(window, d.model.Scale, d.model.ZeroPoint)
	copy(d.input.GetData(), q.Data[:])

	start := time.Now()
	if err := d.sess.Run(); err != nil {
		d.dropCount.Add(1)
		d.log.Error("wakeword: inference failed: %v", err)
		return
	}
	elapsed := time.Since(start)
	d.inferenceCount.Add(1)
	d.inferenceNanos.Add(elapsed.Nanoseconds())

	score := float64(d.output.GetData()[0])
	d.lastConfidence.Store(math.Float64bits(score))

	if det, ok := d.evaluateScore(score, time.Now()); ok {
		d.mu.Lock()
		cb := d.onDetected
		d.mu.Unlock()
		if cb != nil {
			cb(det)
		}
	}
}

// evaluateScore applies the commit policy (spec.md §4.5) to a single
// score at time now: a windowed counter of consecutive above-threshold
// steps must reach ceil(trigger_duration_ms/hop_ms) before a Detection
// commits, gated by the cooldown since the last commit. Factored out of
// Infer so the policy can be exercised with synthetic score sequences
// without a live ONNX session.
func (d *Detector) evaluateScore(score float64, now time.Time) (domain.Detection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if score < d.threshold {
		d.aboveRun = 0
		d.firstAboveAt = time.Time{}
		return domain.Detection{}, false
	}

	if d.aboveRun == 0 {
		d.firstAboveAt = now
	}
	d.aboveRun++

	if d.aboveRun < d.cfg.stepsRequired() {
		return domain.Detection{}, false
	}
	if !d.lastCommitAt.IsZero() && now.Sub(d.lastCommitAt) < d.cfg.Cooldown {
		// A run suppressed by the cooldown does not carry over: a commit
		// after the cooldown needs a fresh sustained run.
		d.aboveRun = 0
		d.firstAboveAt = time.Time{}
		return domain.Detection{}, false
	}

	latency := now.Sub(d.firstAboveAt)
	det := domain.Detection{
		Confidence: score,
		TFrame:     now,
		LatencyMs:  latency.Milliseconds(),
	}
	d.lastCommitAt = now
	d.aboveRun = 0
	d.firstAboveAt = time.Time{}
	d.count.Add(1)
	return det, true
}

// StatsSnapshot returns a snapshot of the control-surface counters.
func (d *Detector) StatsSnapshot() Stats {
	n := d.inferenceCount.Load()
	var mean time.Duration
	if n > 0 {
		mean = time.Duration(d.inferenceNanos.Load() / n)
	}
	return Stats{
		Count:             d.count.Load(),
		LastConfidence:    math.Float64frombits(d.lastConfidence.Load()),
		MeanInferenceTime: mean,
	}
}

// DropCount returns how many inference steps were dropped due to errors.
func (d *Detector) DropCount() int64 { return d.dropCount.Load() }
