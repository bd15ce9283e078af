// Package domain holds the entities and narrow interfaces shared across
// the node's components: config, audio/feature data shapes, session and
// link state, and the small testability seams (Clock, Transport) used to
// keep the hot path decoupled from real hardware and sockets in tests.
package domain

import "time"

// Audio format constants. The node supports exactly one format; these are
// not configurable because every downstream component (VAD window sizes,
// MFCC hop/window, wire framing) is derived from them.
const (
	SampleRate      = 16000
	Channels        = 1
	BitsPerSample   = 16
	SamplesPerFrame = 320 // 20 ms at 16 kHz
	BytesPerFrame   = SamplesPerFrame * 2
)

// NodeConfig is immutable after initialization. It is loaded once by
// internal/config and handed by value (or pointer-to-immutable) to every
// component constructor; nothing mutates it after boot.
type NodeConfig struct {
	NodeID            string        `yaml:"node_id"`
	RoomID            string        `yaml:"room_id"`
	ServerURI         string        `yaml:"server_uri"`
	WakeWordThreshold float64       `yaml:"wake_word_threshold"`
	TriggerDurationMs int           `yaml:"trigger_duration_ms"`
	BackBufferMs      int           `yaml:"back_buffer_ms"`
	SilenceEndMs      int           `yaml:"silence_end_ms"`
	MaxSessionMs      int           `yaml:"max_session_ms"`
	CooldownMs        int           `yaml:"cooldown_ms"`

	ConfigVersion         int    `yaml:"config_version"`
	LogLevel              string `yaml:"log_level"`
	MonitorIntervalMs     int    `yaml:"monitor_interval_ms"`
	HandshakeTimeoutMs    int    `yaml:"handshake_timeout_ms"`
	ReconnectMinMs        int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs        int    `yaml:"reconnect_max_ms"`
	OutboundQueueCapacity int    `yaml:"outbound_queue_capacity"`

	ModelPath   string `yaml:"model_path"`
	OnnxLibPath string `yaml:"onnx_lib_path"`

	TrustDir string `yaml:"trust_dir"`
}

// SilenceEnd returns silence_end_ms as a Duration.
func (c NodeConfig) SilenceEnd() time.Duration { return time.Duration(c.SilenceEndMs) * time.Millisecond }

// MaxSession returns max_session_ms as a Duration.
func (c NodeConfig) MaxSession() time.Duration { return time.Duration(c.MaxSessionMs) * time.Millisecond }

// Cooldown returns cooldown_ms as a Duration.
func (c NodeConfig) Cooldown() time.Duration { return time.Duration(c.CooldownMs) * time.Millisecond }

// BackBuffer returns back_buffer_ms as a Duration.
func (c NodeConfig) BackBuffer() time.Duration {
	return time.Duration(c.BackBufferMs) * time.Millisecond
}

// TriggerDuration returns trigger_duration_ms as a Duration.
func (c NodeConfig) TriggerDuration() time.Duration {
	return time.Duration(c.TriggerDurationMs) * time.Millisecond
}

// HandshakeTimeout returns handshake_timeout_ms as a Duration.
func (c NodeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// Defaults fills zero-valued tunables with the defaults named in the
// node's data model. Called once by the config loader after YAML decode.
func (c *NodeConfig) Defaults() {
	if c.WakeWordThreshold <= 0 {
		c.WakeWordThreshold = 0.9
	}
	if c.TriggerDurationMs <= 0 {
		c.TriggerDurationMs = 450
	}
	if c.BackBufferMs <= 0 {
		c.BackBufferMs = 300
	}
	if c.SilenceEndMs <= 0 {
		c.SilenceEndMs = 700
	}
	if c.MaxSessionMs <= 0 {
		c.MaxSessionMs = 8000
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = 400
	}
	if c.MonitorIntervalMs <= 0 {
		c.MonitorIntervalMs = 5000
	}
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = 10000
	}
	if c.ReconnectMinMs <= 0 {
		c.ReconnectMinMs = 1000
	}
	if c.ReconnectMaxMs <= 0 {
		c.ReconnectMaxMs = 30000
	}
	if c.OutboundQueueCapacity <= 0 {
		c.OutboundQueueCapacity = 256
	}
}

// AudioFrame is a fixed 20 ms block of 16 kHz/mono/16-bit PCM samples.
// Owned by the producer until consumed; a frame is never mutated by more
// than one goroutine at a time.
type AudioFrame struct {
	Samples [SamplesPerFrame]int16
	SeqNo   uint64
	T       time.Time
}

// Bytes returns the frame's samples as little-endian bytes, matching the
// wire format in the transport protocol. Allocates — callers on the hot
// capture path should prefer encoding in place where possible.
func (f *AudioFrame) Bytes() []byte {
	out := make([]byte, BytesPerFrame)
	for i, s := range f.Samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// FeatureWindow is 49 frames x 40 MFCC coefficients, row-major
// [frame][coeff]; columns age left to right, newest at column 48.
const (
	FeatureFrames = 49
	FeatureCoeffs = 40
)

type FeatureWindow struct {
	Data [FeatureFrames * FeatureCoeffs]float32
}

// Column returns the coefficients for frame index i (0 = oldest).
func (w *FeatureWindow) Column(i int) []float32 {
	return w.Data[i*FeatureCoeffs : (i+1)*FeatureCoeffs]
}

// QuantizedFeatures is the INT8 tensor derived from a FeatureWindow using
// the model's fixed scale/zero_point.
type QuantizedFeatures struct {
	Data      [FeatureFrames * FeatureCoeffs]int8
	Scale     float32
	ZeroPoint int32
}

// Detection is a committed wake-word event.
type Detection struct {
	Confidence float64
	TFrame     time.Time
	LatencyMs  int64
}

// EndReason names why a Session ended.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
	EndLinkLoss    EndReason = "link_loss"
	EndCancel      EndReason = "cancel"
)

// Session is the active streaming period following a committed Detection.
type Session struct {
	RoomID     string
	StartedAt  time.Time
	BytesSent  int64
	FramesSent int64
	EndedAt    time.Time
	EndReason  EndReason
}

// LinkState is the connection lifecycle of SecureLink.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkAuthenticating
	LinkReady
	LinkDegraded
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkAuthenticating:
		return "authenticating"
	case LinkReady:
		return "ready"
	case LinkDegraded:
		return "degraded"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionState is the node's top-level behavioral state.
type SessionState int

const (
	StateIdleListening SessionState = iota
	StateStreaming
	StateCooldown
	StateLinkRetry
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdleListening:
		return "idle_listening"
	case StateStreaming:
		return "streaming"
	case StateCooldown:
		return "cooldown"
	case StateLinkRetry:
		return "link_retry"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HealthSnapshot is a point-in-time read of node health, produced by
// MonitorTask and consumed by UIBridgeTask/logs.
type HealthSnapshot struct {
	HeapFreeBytes    uint64
	TaskHighWater    map[string]time.Duration
	AudioProbeOK     bool
	Timestamp        time.Time
}
