package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/logger"
	"github.com/wakenode/micnode/internal/session"
)

// fakeFrontend satisfies domain.Frontend: it reports ready after
// readyAfter calls to ProcessSamples, so onFrame's window-publish path is
// exercised deterministically without a real FFT/mel/DCT pipeline.
type fakeFrontend struct {
	calls      int
	readyAfter int
}

func (f *fakeFrontend) ProcessSamples(pcm []int16) bool {
	f.calls++
	return f.calls >= f.readyAfter
}
func (f *fakeFrontend) GetFeatures() domain.FeatureWindow { return domain.FeatureWindow{} }
func (f *fakeFrontend) Reset()                            { f.calls = 0 }

// fakeDetector satisfies the package-local detector seam.
type fakeDetector struct {
	mu         sync.Mutex
	enabled    bool
	threshold  float64
	inferCount int
	resetCount int
	onDetected func(domain.Detection)
}

func (d *fakeDetector) Enable()  { d.mu.Lock(); d.enabled = true; d.mu.Unlock() }
func (d *fakeDetector) Disable() { d.mu.Lock(); d.enabled = false; d.mu.Unlock() }
func (d *fakeDetector) Reset()   { d.mu.Lock(); d.resetCount++; d.mu.Unlock() }
func (d *fakeDetector) SetThreshold(t float64) {
	d.mu.Lock()
	d.threshold = t
	d.mu.Unlock()
}
func (d *fakeDetector) SetDetectionCallback(fn func(domain.Detection)) {
	d.mu.Lock()
	d.onDetected = fn
	d.mu.Unlock()
}
func (d *fakeDetector) Infer(domain.FeatureWindow) {
	d.mu.Lock()
	d.inferCount++
	cb := d.onDetected
	d.mu.Unlock()
	if cb != nil {
		cb(domain.Detection{Confidence: 1.0, TFrame: time.Now()})
	}
}
func (d *fakeDetector) Close() {}

func (d *fakeDetector) loadInferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inferCount
}

// fakeVoiceActivity always reports the configured classification.
type fakeVoiceActivity struct{ voice bool }

func (v *fakeVoiceActivity) Classify([]int16) bool { return v.voice }

// fakeTransport is domain.Transport, minimal enough for the state
// machine wiring exercised here.
type fakeTransport struct {
	mu    sync.Mutex
	state domain.LinkState
}

func (t *fakeTransport) State() domain.LinkState      { return t.state }
func (t *fakeTransport) SendConfig(string) error      { return nil }
func (t *fakeTransport) SendPCM([]byte) error          { return nil }
func (t *fakeTransport) SendEOF() error                { return nil }
func (t *fakeTransport) Subscribe(func(domain.LinkState)) {}

type fakeBackBuffer struct{}

func (fakeBackBuffer) Snapshot(int) []byte { return nil }
func (fakeBackBuffer) Write(p []byte)      {}

func testConfig() domain.NodeConfig {
	cfg := domain.NodeConfig{RoomID: "kitchen"}
	cfg.Defaults()
	return cfg
}

// newTestSupervisor builds a Supervisor with every hardware-facing
// dependency faked, wiring it the same way New does for the detector ->
// session handoff.
func newTestSupervisor() (*Supervisor, *fakeDetector, *fakeVoiceActivity) {
	cfg := testConfig()
	log := logger.New(logger.LevelOff, nil)
	det := &fakeDetector{}
	vadet := &fakeVoiceActivity{}
	machine := session.New(cfg, &fakeTransport{}, fakeBackBuffer{}, log.Info)

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		frontend:  &fakeFrontend{readyAfter: 1},
		detector:  det,
		vadet:     vadet,
		machine:   machine,
		highWater: map[string]time.Duration{},
		windowCh:  make(chan domain.FeatureWindow, 1),
	}
	det.SetDetectionCallback(func(d domain.Detection) {
		s.counters.Detections.Add(1)
		s.machine.OnEvent(session.Event{Kind: session.EventDetection, Det: d, At: d.TFrame})
	})
	return s, det, vadet
}

func TestOnFramePublishesWindowForDetectorTask(t *testing.T) {
	s, det, vadet := newTestSupervisor()
	vadet.voice = true

	s.onFrame(domain.AudioFrame{T: time.Now()})

	if det.inferCount != 0 {
		t.Fatalf("got inferCount=%d, want 0 before DetectorTask consumes the window", det.inferCount)
	}
	if s.counters.FramesCaptured.Load() != 1 {
		t.Fatalf("got FramesCaptured=%d, want 1", s.counters.FramesCaptured.Load())
	}

	select {
	case w := <-s.windowCh:
		s.runInference(w)
	default:
		t.Fatal("onFrame did not publish a window to windowCh")
	}

	if det.inferCount != 1 {
		t.Fatalf("got inferCount=%d, want 1", det.inferCount)
	}
	if s.machine.CurrentState() != domain.StateStreaming {
		t.Fatalf("got state=%v, want STREAMING after a committed detection", s.machine.CurrentState())
	}
	if s.counters.Detections.Load() != 1 {
		t.Fatalf("got Detections=%d, want 1", s.counters.Detections.Load())
	}
}

func TestRunDetectorTaskConsumesPublishedWindows(t *testing.T) {
	s, det, _ := newTestSupervisor()

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.runDetectorTask(ctx)
		close(done)
	}()

	s.publishWindow(domain.FeatureWindow{})

	for i := 0; i < 1000 && det.loadInferCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if det.loadInferCount() != 1 {
		t.Fatalf("got inferCount=%d, want 1", det.loadInferCount())
	}

	cancel()
	<-done
}

func TestControlSurfaceDelegatesToDetector(t *testing.T) {
	s, det, _ := newTestSupervisor()

	s.EnableDetector()
	if !det.enabled {
		t.Fatal("EnableDetector did not enable the detector")
	}
	s.DisableDetector()
	if det.enabled {
		t.Fatal("DisableDetector did not disable the detector")
	}
	s.SetThreshold(0.75)
	if det.threshold != 0.75 {
		t.Fatalf("got threshold=%v, want 0.75", det.threshold)
	}
	s.ResetCounters()
	if det.resetCount != 1 {
		t.Fatal("ResetCounters did not reset the detector")
	}
}

func TestPushToTalkEntersStreaming(t *testing.T) {
	s, _, _ := newTestSupervisor()

	s.PushToTalk()
	if s.machine.CurrentState() != domain.StateStreaming {
		t.Fatalf("got state=%v, want STREAMING after PushToTalk", s.machine.CurrentState())
	}
}

func TestForceCooldownEndsActiveSession(t *testing.T) {
	s, _, _ := newTestSupervisor()
	s.PushToTalk()

	s.ForceCooldown()
	if s.machine.CurrentState() != domain.StateCooldown {
		t.Fatalf("got state=%v, want COOLDOWN after ForceCooldown", s.machine.CurrentState())
	}
}

func TestTaskHighWaterReturnsACopy(t *testing.T) {
	s, _, _ := newTestSupervisor()
	s.highWater["capture"] = 5 * time.Millisecond

	got := s.TaskHighWater()
	got["capture"] = 999 * time.Second

	if s.highWater["capture"] != 5*time.Millisecond {
		t.Fatal("TaskHighWater leaked a mutable reference to internal state")
	}
}
