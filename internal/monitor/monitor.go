// Package monitor implements MonitorTask: periodic health checks (heap
// headroom, task high-water marks, counters) plus a secondary audio
// liveness probe independent of the primary capture path.
//
// The counter set is grounded on rustyguts-bken/client/transport.go's
// atomic-field Metrics/GetMetrics pattern, generalized from network
// RTT/jitter/loss to the frame/detection/link counters spec.md §6.4
// names. The liveness probe reuses the teacher's internal/speech/ear.go
// portaudio open/read/close idiom as a secondary health check distinct
// from the malgo-based primary capture device in internal/audio.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/logger"
)

// Counters holds the stable-order observability counters named in
// spec.md §6.4. All fields are safe for concurrent use.
type Counters struct {
	FramesCaptured       atomic.Int64
	FramesDropped        atomic.Int64
	Detections           atomic.Int64
	FalsePositivesReset  atomic.Int64
	BytesSent            atomic.Int64
	BytesReceived        atomic.Int64
	Reconnects           atomic.Int64
	InferenceMeanNanos   atomic.Int64
	InferenceMaxNanos    atomic.Int64
}

// Snapshot is a point-in-time read of Counters, safe to log or serialize.
type Snapshot struct {
	FramesCaptured      int64
	FramesDropped       int64
	Detections          int64
	FalsePositivesReset int64
	BytesSent           int64
	BytesReceived       int64
	Reconnects          int64
	InferenceMean       time.Duration
	InferenceMax        time.Duration
}

// Read takes a consistent-enough snapshot (each field read atomically;
// the set as a whole is not transactional, matching the teacher's own
// GetMetrics which reads several independent atomics).
func (c *Counters) Read() Snapshot {
	return Snapshot{
		FramesCaptured:      c.FramesCaptured.Load(),
		FramesDropped:       c.FramesDropped.Load(),
		Detections:          c.Detections.Load(),
		FalsePositivesReset: c.FalsePositivesReset.Load(),
		BytesSent:           c.BytesSent.Load(),
		BytesReceived:       c.BytesReceived.Load(),
		Reconnects:          c.Reconnects.Load(),
		InferenceMean:       time.Duration(c.InferenceMeanNanos.Load()),
		InferenceMax:        time.Duration(c.InferenceMaxNanos.Load()),
	}
}

// RecordInference folds a new inference latency sample into the rolling
// mean and running max.
func (c *Counters) RecordInference(d time.Duration) {
	if n := d.Nanoseconds(); n > c.InferenceMaxNanos.Load() {
		c.InferenceMaxNanos.Store(n)
	}
	prev := c.InferenceMeanNanos.Load()
	next := prev + (d.Nanoseconds()-prev)/8 // simple EWMA, alpha=1/8
	c.InferenceMeanNanos.Store(next)
}

// Reset zeroes all counters (spec.md §6.3's "reset counters" control).
func (c *Counters) Reset() {
	c.FramesCaptured.Store(0)
	c.FramesDropped.Store(0)
	c.Detections.Store(0)
	c.FalsePositivesReset.Store(0)
	c.BytesSent.Store(0)
	c.BytesReceived.Store(0)
	c.Reconnects.Store(0)
	c.InferenceMeanNanos.Store(0)
	c.InferenceMaxNanos.Store(0)
}

// HealthSource supplies the values MonitorTask cannot compute itself.
type HealthSource interface {
	TaskHighWater() map[string]time.Duration
}

// Monitor runs MonitorTask: on each tick, it reads heap stats, probes
// audio liveness via a short-lived PortAudio stream, and publishes a
// domain.HealthSnapshot.
type Monitor struct {
	log      *logger.Logger
	counters *Counters
	source   HealthSource
	interval time.Duration

	mu   sync.Mutex
	subs []func(domain.HealthSnapshot)

	probeFailures atomic.Int64
}

// New creates a Monitor that ticks every interval.
func New(counters *Counters, source HealthSource, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{log: log, counters: counters, source: source, interval: interval}
}

// Subscribe registers fn to receive each HealthSnapshot.
func (m *Monitor) Subscribe(fn func(domain.HealthSnapshot)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Run ticks until ctx is cancelled. Intended to run as MonitorTask's
// goroutine body; never blocks the audio path since it owns no hot-path
// resources.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.collect()
			m.mu.Lock()
			subs := append([]func(domain.HealthSnapshot){}, m.subs...)
			m.mu.Unlock()
			for _, fn := range subs {
				fn(snap)
			}
		}
	}
}

func (m *Monitor) collect() domain.HealthSnapshot {
	hw := map[string]time.Duration{}
	if m.source != nil {
		hw = m.source.TaskHighWater()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return domain.HealthSnapshot{
		HeapFreeBytes: ms.HeapIdle - ms.HeapReleased,
		TaskHighWater: hw,
		AudioProbeOK:  m.probeAudio(),
		Timestamp:     time.Now(),
	}
}

// probeAudioFrames is the frame count the liveness probe reads before
// closing the stream: enough to confirm the device is alive without
// holding it open long enough to contend with the primary capture path.
const probeAudioFrames = 256

// probeAudio opens a short-lived PortAudio input stream as a secondary
// liveness check, independent of the malgo-based primary capture
// device. Failure here does not stop capture; it only marks the
// snapshot unhealthy and is rate-limited in the logs.
//
// Assumes portaudio.Initialize has already been called once for the
// process lifetime by NodeSupervisor: repeated Init/Terminate cycles
// around each probe corrupt the platform HAL on some backends.
func (m *Monitor) probeAudio() bool {
	buf := make([]int16, probeAudioFrames)
	stream, err := portaudio.OpenDefaultStream(domain.Channels, 0, float64(domain.SampleRate), probeAudioFrames, buf)
	if err != nil {
		m.onProbeFailure(err)
		return false
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		m.onProbeFailure(err)
		return false
	}
	defer stream.Stop()

	if err := stream.Read(); err != nil {
		m.onProbeFailure(err)
		return false
	}
	return true
}

func (m *Monitor) onProbeFailure(err error) {
	m.probeFailures.Add(1)
	if m.log.RateLimited("monitor: audio liveness probe", 30*time.Second) {
		m.log.Warn("monitor: audio liveness probe failed: %v", err)
	}
}

// ProbeFailures returns how many times the liveness probe has failed.
func (m *Monitor) ProbeFailures() int64 { return m.probeFailures.Load() }
