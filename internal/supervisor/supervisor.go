// Package supervisor implements NodeSupervisor: it owns every component's
// lifecycle, runs the five logical tasks named in spec.md §5 (capture,
// detector, link, UI-bridge, monitor), restarts failed subsystems with
// bounded exponential backoff, and exposes the minimal control surface
// from spec.md §6.3.
//
// The Run/Shutdown lifecycle (context.WithCancel, mutex-guarded running
// flag, tracked background goroutines) is grounded on the teacher's
// internal/timer.Supervisor. Unlike the teacher's supervisor — which ran
// a single uniform tick loop plus an optional watcher — this one fans
// out four heterogeneous tasks (capture, detector, monitor, UI-bridge)
// under golang.org/x/sync/errgroup; the link task is the reconnect loop
// that link.New starts on its own, outside the group.
package supervisor

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"golang.org/x/sync/errgroup"

	"github.com/wakenode/micnode/internal/audio"
	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/link"
	"github.com/wakenode/micnode/internal/logger"
	"github.com/wakenode/micnode/internal/mfcc"
	"github.com/wakenode/micnode/internal/monitor"
	"github.com/wakenode/micnode/internal/ringbuffer"
	"github.com/wakenode/micnode/internal/session"
	"github.com/wakenode/micnode/internal/uibridge"
	"github.com/wakenode/micnode/internal/vad"
	"github.com/wakenode/micnode/internal/wakeword"
)

// detector is the narrow seam Supervisor needs from *wakeword.Detector:
// domain.Detector's control surface plus the inference call itself, kept
// out of domain.Detector because it's only ever invoked from
// DetectorTask, not from session/control-surface code.
type detector interface {
	domain.Detector
	Infer(window domain.FeatureWindow)
	Close()
}

// voiceActivity is the narrow seam Supervisor needs from *vad.Detector.
type voiceActivity interface {
	Classify(samples []int16) bool
}

// Supervisor wires the full pipeline and runs it to completion or
// cancellation. One Supervisor corresponds to one running node.
type Supervisor struct {
	cfg domain.NodeConfig
	log *logger.Logger

	capture   *audio.Capture
	frontend  domain.Frontend
	detector  detector
	vadet     voiceActivity
	backBuf   *ringbuffer.BackBuffer
	transport *link.Link
	machine   *session.Machine
	mon       *monitor.Monitor
	bridge    *uibridge.Bridge
	counters  monitor.Counters

	windowCh chan domain.FeatureWindow

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	highWaterMu sync.Mutex
	highWater   map[string]time.Duration
}

// bytesPerMs for 16 kHz/16-bit/mono PCM.
const bytesPerMs = domain.SampleRate * (domain.BitsPerSample / 8) / 1000

// New constructs a Supervisor and every component it owns, wiring the
// data/control flow named in spec.md §2:
// I2SCapture -> (RingBuffer) -> {VAD, MFCCFrontend} -> WakeWordDetector
// -> SessionStateMachine -> SecureLink.
func New(cfg domain.NodeConfig, trust trustMaterial, log *logger.Logger) (*Supervisor, error) {
	backBuf := ringbuffer.NewBackBuffer(cfg.BackBufferMs, bytesPerMs)

	detCfg := wakeword.Config{
		ModelPath:         cfg.ModelPath,
		OnnxLib:           cfg.OnnxLibPath,
		Threshold:         cfg.WakeWordThreshold,
		TriggerDurationMs: cfg.TriggerDurationMs,
		HopMs:             mfcc.HopSize * 1000 / mfcc.SampleRate,
	}
	det, err := wakeword.New(detCfg, log)
	if err != nil {
		return nil, err
	}

	// SNI and certificate hostname validation need the bare host, not
	// the full wss:// URI.
	serverHost := cfg.ServerURI
	if u, err := url.Parse(cfg.ServerURI); err == nil && u.Hostname() != "" {
		serverHost = u.Hostname()
	}

	transport := link.New(link.Config{
		ServerURI:        cfg.ServerURI,
		RoomID:           cfg.RoomID,
		TLS:              trust.TLSConfig(serverHost),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ReconnectMin:     time.Duration(cfg.ReconnectMinMs) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
		QueueCapacity:    cfg.OutboundQueueCapacity,
	}, log)

	machine := session.New(cfg, transport, backBuf, log.Info)

	bridge := uibridge.New(32)
	machine.SubscribeTransitions(bridge.OnTransition)
	transport.Subscribe(bridge.OnLinkState)
	transport.Subscribe(func(s domain.LinkState) {
		switch s {
		case domain.LinkFailed, domain.LinkDisconnected:
			machine.OnEvent(session.Event{Kind: session.EventLinkFailed})
		case domain.LinkReady:
			machine.OnEvent(session.Event{Kind: session.EventLinkReady})
		}
	})

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		capture:   nil, // set below, needs backBuf + frame handler closure
		frontend:  mfcc.New(),
		detector:  det,
		vadet:     vad.New(),
		backBuf:   backBuf,
		transport: transport,
		machine:   machine,
		bridge:    bridge,
		highWater: map[string]time.Duration{},
		windowCh:  make(chan domain.FeatureWindow, 1),
	}

	det.SetDetectionCallback(func(d domain.Detection) {
		s.counters.Detections.Add(1)
		s.machine.OnEvent(session.Event{Kind: session.EventDetection, Det: d, At: d.TFrame})
	})

	s.capture = audio.New(s.onFrame, backBuf, log)
	monitorInterval := time.Duration(cfg.MonitorIntervalMs) * time.Millisecond
	s.mon = monitor.New(&s.counters, s, monitorInterval, log)
	s.mon.Subscribe(bridge.OnHealth)

	return s, nil
}

// trustMaterial is the narrow seam Supervisor needs from
// config.TrustMaterial, avoiding a dependency on the config package for
// the type itself (cmd/micnode owns loading it and hands it in here).
type trustMaterial interface {
	TLSConfig(serverName string) *tls.Config
}

// onFrame is CaptureTask's per-frame hook: it runs VAD inline (cheap
// enough to stay on the real-time path) and feeds the MFCC frontend.
// When a new FeatureWindow is ready it hands the window to DetectorTask
// over a depth-1 channel rather than calling Infer itself, so an ONNX
// Runtime call — which can run long under load — never stalls capture.
// Never blocks on link or UI.
func (s *Supervisor) onFrame(frame domain.AudioFrame) {
	s.counters.FramesCaptured.Add(1)

	voice := s.vadet.Classify(frame.Samples[:])
	if voice {
		s.machine.OnEvent(session.Event{Kind: session.EventVADVoice, At: frame.T})
		s.machine.SendVoiceFrame(frame.Bytes())
	} else {
		s.machine.OnEvent(session.Event{Kind: session.EventVADSilence, At: frame.T})
	}

	if s.frontend.ProcessSamples(frame.Samples[:]) {
		s.publishWindow(s.frontend.GetFeatures())
	}
}

// publishWindow hands off the newest FeatureWindow to DetectorTask,
// overwriting any not-yet-consumed window: only the latest window
// matters for the trigger-duration commit policy, so coalescing is
// correct (unlike PCM, where every frame must reach the server).
func (s *Supervisor) publishWindow(w domain.FeatureWindow) {
	select {
	case s.windowCh <- w:
		return
	default:
	}
	select {
	case <-s.windowCh:
	default:
	}
	select {
	case s.windowCh <- w:
	default:
	}
}

// TaskHighWater implements monitor.HealthSource.
func (s *Supervisor) TaskHighWater() map[string]time.Duration {
	s.highWaterMu.Lock()
	defer s.highWaterMu.Unlock()
	out := make(map[string]time.Duration, len(s.highWater))
	for k, v := range s.highWater {
		out[k] = v
	}
	return out
}

// Run starts the capture, detector, monitor and UI-bridge tasks and
// blocks until ctx is cancelled. No task returns an error: the capture
// task retries failed starts with backoff, and the link reconnects in
// its own loop, so Run returns nil once every task has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		s.log.Warn("supervisor: portaudio init failed, liveness probe disabled: %v", err)
	} else {
		defer portaudio.Terminate()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runCaptureTask(gctx) })
	g.Go(func() error { return s.runDetectorTask(gctx) })
	g.Go(func() error { s.mon.Run(gctx); return nil })
	g.Go(func() error { s.bridge.Run(gctx); return nil })

	err := g.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// runDetectorTask blocks on the depth-1 "new window available" channel
// and runs inference on whatever FeatureWindow is waiting, one at a
// time. Decoupled from CaptureTask so an ONNX Runtime call never stalls
// the real-time capture path.
func (s *Supervisor) runDetectorTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-s.windowCh:
			s.runInference(w)
		}
	}
}

// runInference is the body of one DetectorTask step, factored out so
// tests can drive it directly without a live goroutine.
func (s *Supervisor) runInference(w domain.FeatureWindow) {
	start := time.Now()
	s.detector.Infer(w)
	s.counters.RecordInference(time.Since(start))
}

// runCaptureTask starts I2SCapture with bounded exponential backoff on
// restart, per spec.md §4.2's failure contract.
func (s *Supervisor) runCaptureTask(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if err := s.capture.Start(ctx); err != nil {
			s.log.Error("supervisor: capture start failed: %v", err)
			s.bridge.OnError(err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond

		<-ctx.Done()
		s.capture.Stop()
		return nil
	}
}

// Shutdown drives the shutdown order: capture stops first (cancelling
// ctx unblocks runCaptureTask and runDetectorTask), the detector drains
// (Infer is synchronous so nothing is in flight beyond the last call
// already returned), SessionStateMachine ends any active session (which
// enqueues eof), and then Link.Close tears the connection down. Link.Close
// does not wait for queued frames to be written, so an eof still in the
// outbound queue may never reach the server. ctx is not used.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.machine.OnEvent(session.Event{Kind: session.EventCancel})
	s.transport.Close()
	s.detector.Close()
}

// Control is the minimal operator-facing surface spec.md §6.3 names.
type Control interface {
	EnableDetector()
	DisableDetector()
	PushToTalk()
	ForceCooldown()
	SetThreshold(float64)
	ResetCounters()
}

var _ Control = (*Supervisor)(nil)

func (s *Supervisor) EnableDetector()  { s.detector.Enable() }
func (s *Supervisor) DisableDetector() { s.detector.Disable() }

// PushToTalk commits a synthetic Detection, subject to the same
// STREAMING invariants as a real one (spec.md §6.3).
func (s *Supervisor) PushToTalk() {
	s.machine.OnEvent(session.Event{Kind: session.EventDetection, Det: domain.Detection{Confidence: 1.0}})
}

// ForceCooldown cancels the current session with reason "cancel".
func (s *Supervisor) ForceCooldown() {
	s.machine.OnEvent(session.Event{Kind: session.EventCancel})
}

func (s *Supervisor) SetThreshold(t float64) { s.detector.SetThreshold(t) }

func (s *Supervisor) ResetCounters() {
	s.counters.Reset()
	s.detector.Reset()
}
