package session

import (
	"sync"
	"testing"
	"time"

	"github.com/wakenode/micnode/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fakeTransport struct {
	mu          sync.Mutex
	state       domain.LinkState
	configSent  int
	pcmBytes    int64
	eofSent     int
	failConfig  bool
	failPCM     bool
}

func (t *fakeTransport) State() domain.LinkState { return t.state }
func (t *fakeTransport) SendConfig(roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failConfig {
		return domain.ErrLinkTransportFailed
	}
	t.configSent++
	return nil
}
func (t *fakeTransport) SendPCM(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPCM {
		return domain.ErrLinkTransportFailed
	}
	t.pcmBytes += int64(len(frame))
	return nil
}
func (t *fakeTransport) SendEOF() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eofSent++
	return nil
}
func (t *fakeTransport) Subscribe(func(domain.LinkState)) {}

type fakeBackBuffer struct{ data []byte }

func (b *fakeBackBuffer) Snapshot(requestedMs int) []byte { return b.data }

func testConfig() domain.NodeConfig {
	cfg := domain.NodeConfig{RoomID: "kitchen"}
	cfg.Defaults()
	return cfg
}

func noopLog(string, ...any) {}

func TestIdleToStreamingOnDetection(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{data: make([]byte, 4800)} // 150ms preroll at 32 bytes/ms
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})

	if m.CurrentState() != domain.StateStreaming {
		t.Fatalf("got state %v, want STREAMING", m.CurrentState())
	}
	if transport.configSent != 1 {
		t.Fatalf("got configSent=%d, want 1", transport.configSent)
	}
	if transport.pcmBytes != 4800 {
		t.Fatalf("got preroll pcmBytes=%d, want 4800", transport.pcmBytes)
	}
}

func TestNoPCMOutsideStreaming(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.SendVoiceFrame(make([]byte, 320))
	if transport.pcmBytes != 0 {
		t.Fatalf("sent PCM while IDLE_LISTENING: %d bytes", transport.pcmBytes)
	}
}

func TestSilenceEndsSessionAtExactBoundary(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	m.OnEvent(Event{Kind: EventVADSilence, At: clock.Now()})

	// Just before silence_end_ms (700ms default): still STREAMING.
	t1 := clock.Advance(699 * time.Millisecond)
	m.OnEvent(Event{Kind: EventTick, At: t1})
	if m.CurrentState() != domain.StateStreaming {
		t.Fatalf("ended session before silence_end_ms elapsed: state=%v", m.CurrentState())
	}

	// At exactly silence_end_ms: session ends with reason silence.
	t2 := clock.Advance(1 * time.Millisecond)
	m.OnEvent(Event{Kind: EventTick, At: t2})
	if m.CurrentState() != domain.StateCooldown {
		t.Fatalf("got state %v at exact silence_end_ms boundary, want COOLDOWN", m.CurrentState())
	}
	if transport.eofSent != 1 {
		t.Fatalf("got eofSent=%d, want 1", transport.eofSent)
	}
}

func TestMaxSessionCutoffEvenWithOngoingVoice(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	m.OnEvent(Event{Kind: EventVADVoice, At: clock.Now()})

	t1 := clock.Advance(8000 * time.Millisecond)
	m.OnEvent(Event{Kind: EventTick, At: t1})

	if m.CurrentState() != domain.StateCooldown {
		t.Fatalf("got state %v at max_session_ms, want COOLDOWN", m.CurrentState())
	}

	// No PCM sent after cutoff.
	before := transport.pcmBytes
	m.SendVoiceFrame(make([]byte, 320))
	if transport.pcmBytes != before {
		t.Fatal("sent PCM after max-session cutoff")
	}
}

func TestLinkLossEndsSessionAndEntersRetry(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	m.OnEvent(Event{Kind: EventLinkFailed, At: clock.Now()})

	if m.CurrentState() != domain.StateLinkRetry {
		t.Fatalf("got state %v, want LINK_RETRY", m.CurrentState())
	}

	m.OnEvent(Event{Kind: EventLinkReady, At: clock.Now()})
	if m.CurrentState() != domain.StateIdleListening {
		t.Fatalf("got state %v after link ready, want IDLE_LISTENING", m.CurrentState())
	}
}

func TestCooldownSuppressesRetriggerUntilElapsed(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	m.OnEvent(Event{Kind: EventCancel, At: clock.Now()})
	if m.CurrentState() != domain.StateCooldown {
		t.Fatalf("got state %v after cancel, want COOLDOWN", m.CurrentState())
	}

	// A detection during cooldown (default 400ms) must not start a session.
	t1 := clock.Advance(100 * time.Millisecond)
	m.OnEvent(Event{Kind: EventDetection, At: t1})
	if m.CurrentState() != domain.StateCooldown {
		t.Fatalf("detection during cooldown moved state to %v", m.CurrentState())
	}

	// After cooldown elapses, IDLE_LISTENING resumes and a new detection
	// starts a new session.
	t2 := clock.Advance(400 * time.Millisecond)
	m.OnEvent(Event{Kind: EventTick, At: t2})
	if m.CurrentState() != domain.StateIdleListening {
		t.Fatalf("got state %v after cooldown elapsed, want IDLE_LISTENING", m.CurrentState())
	}
	m.OnEvent(Event{Kind: EventDetection, At: t2})
	if m.CurrentState() != domain.StateStreaming {
		t.Fatalf("got state %v, want STREAMING after cooldown resumed detection", m.CurrentState())
	}
}

func TestPrerollFailureAbortsWithoutCommit(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{failPCM: true}
	backBuf := &fakeBackBuffer{data: make([]byte, 4800)}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	if m.CurrentState() != domain.StateIdleListening {
		t.Fatalf("got state %v, want session never committed (stay IDLE_LISTENING)", m.CurrentState())
	}
}

func TestAtMostOneActiveSession(t *testing.T) {
	clock := newFakeClock()
	transport := &fakeTransport{}
	backBuf := &fakeBackBuffer{}
	m := New(testConfig(), transport, backBuf, noopLog, WithClock(clock))

	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	// A second detection while STREAMING must be ignored.
	configBefore := transport.configSent
	m.OnEvent(Event{Kind: EventDetection, At: clock.Now()})
	if transport.configSent != configBefore {
		t.Fatal("started a second session while one was already active")
	}
}
