// Package session implements the SessionStateMachine: it enforces
// IDLE_LISTENING -> STREAMING -> COOLDOWN -> IDLE_LISTENING transitions
// (plus LINK_RETRY and ERROR), owns end-of-utterance logic, and applies
// cooldowns. Generalized from the teacher's timer.Supervisor tick-driven
// transition idiom into an event-driven one: OnEvent is the sole entry
// point, and virtual timers are evaluated against an injected
// domain.Clock instead of a fixed ticker, so tests can advance time
// deterministically.
package session

import (
	"sync"
	"time"

	"github.com/wakenode/micnode/internal/domain"
)

// EventKind names the events SessionStateMachine reacts to.
type EventKind int

const (
	EventFrameProduced EventKind = iota
	EventVADVoice
	EventVADSilence
	EventDetection
	EventLinkReady
	EventLinkFailed
	EventCancel
	EventTick // periodic re-evaluation of virtual timers
)

// Event is the sole input to OnEvent.
type Event struct {
	Kind EventKind
	Det  domain.Detection
	At   time.Time
}

// Transition is published to subscribers on every state change.
type Transition struct {
	From   domain.SessionState
	To     domain.SessionState
	Reason domain.EndReason // set only on STREAMING -> COOLDOWN
	At     time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the default system clock (for deterministic tests).
func WithClock(c domain.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// Machine is the SessionStateMachine. Safe for concurrent use: OnEvent
// serializes all transitions under a single mutex, matching spec.md §5's
// requirement that Detections are serialized through the state machine's
// event queue with no reordering.
type Machine struct {
	cfg       domain.NodeConfig
	transport domain.Transport
	backBuf   backBufferReader
	log       logFn
	clock     domain.Clock

	mu             sync.Mutex
	state          domain.SessionState
	session        *domain.Session
	voice          bool
	silenceSince   time.Time
	streamingSince time.Time
	cooldownUntil  time.Time

	subscribers []func(Transition)
}

// backBufferReader is the narrow seam Machine needs from the capture
// task's BackBuffer: a snapshot of the last N ms of PCM.
type backBufferReader interface {
	Snapshot(requestedMs int) []byte
}

type logFn func(format string, args ...any)

// New creates a Machine in IDLE_LISTENING.
func New(cfg domain.NodeConfig, transport domain.Transport, backBuf backBufferReader, log logFn, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg,
		transport: transport,
		backBuf:   backBuf,
		log:       log,
		clock:     domain.SystemClock{},
		state:     domain.StateIdleListening,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentState returns the machine's current state.
func (m *Machine) CurrentState() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SubscribeTransitions registers fn to be called (synchronously, from
// whatever goroutine calls OnEvent) on every state transition.
func (m *Machine) SubscribeTransitions(fn func(Transition)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// OnEvent is the sole entry point for state transitions.
func (m *Machine) OnEvent(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventDetection:
		m.onDetection(ev)
	case EventVADVoice:
		m.voice = true
		m.silenceSince = time.Time{}
	case EventVADSilence:
		m.voice = false
		if m.silenceSince.IsZero() {
			m.silenceSince = ev.At
		}
	case EventLinkFailed:
		m.onLinkFailed(ev)
	case EventLinkReady:
		m.onLinkReady(ev)
	case EventCancel:
		if m.state == domain.StateStreaming {
			m.endSession(ev.At, domain.EndCancel)
		}
	case EventFrameProduced, EventTick:
		// fall through to timer evaluation below
	}

	m.evaluateTimers(ev.At)
}

// onDetection handles a committed Detection: IDLE_LISTENING ->
// STREAMING. Detections arriving in any other state are ignored — at
// most one Session may be active, and COOLDOWN suppresses new
// detections per the state machine's invariants.
func (m *Machine) onDetection(ev Event) {
	if m.state != domain.StateIdleListening {
		return
	}

	backBufferMs := m.cfg.BackBufferMs
	preroll := m.backBuf.Snapshot(backBufferMs)

	if err := m.transport.SendConfig(m.cfg.RoomID); err != nil {
		// Pre-roll cannot be enqueued: the session ends without commit
		// per spec.md §4.7's backpressure contract.
		m.log("session: send config failed, aborting session without commit: %v", err)
		return
	}

	if len(preroll) > 0 {
		if err := m.transport.SendPCM(preroll); err != nil {
			m.log("session: pre-roll enqueue failed, ending without commit: %v", err)
			return
		}
	}

	m.session = &domain.Session{
		RoomID:     m.cfg.RoomID,
		StartedAt:  ev.At,
		BytesSent:  int64(len(preroll)),
		FramesSent: int64(len(preroll) / domain.BytesPerFrame),
	}
	m.streamingSince = ev.At
	m.voice = false
	m.silenceSince = time.Time{}

	m.transition(domain.StateStreaming, "", ev.At)
}

// SendVoiceFrame transmits frame bytes if the machine is currently
// STREAMING and VAD reports voice. Invariant: no PCM is sent outside
// STREAMING.
func (m *Machine) SendVoiceFrame(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateStreaming || !m.voice || m.session == nil {
		return
	}
	if err := m.transport.SendPCM(frame); err != nil {
		return
	}
	m.session.BytesSent += int64(len(frame))
	m.session.FramesSent++
}

func (m *Machine) onLinkFailed(ev Event) {
	if m.state == domain.StateStreaming {
		m.endSession(ev.At, domain.EndLinkLoss)
	}
	m.transition(domain.StateLinkRetry, "", ev.At)
}

func (m *Machine) onLinkReady(ev Event) {
	if m.state == domain.StateLinkRetry {
		m.transition(domain.StateIdleListening, "", ev.At)
	}
}

// evaluateTimers checks silence-end, max-session, and cooldown-elapsed
// against the clock; all timers are virtual and re-evaluated on every
// event per spec.md §5's timing model.
func (m *Machine) evaluateTimers(now time.Time) {
	switch m.state {
	case domain.StateStreaming:
		if !m.silenceSince.IsZero() && now.Sub(m.silenceSince) >= m.cfg.SilenceEnd() {
			m.endSession(now, domain.EndSilence)
			return
		}
		if now.Sub(m.streamingSince) >= m.cfg.MaxSession() {
			m.endSession(now, domain.EndMaxDuration)
			return
		}
	case domain.StateCooldown:
		if now.After(m.cooldownUntil) || now.Equal(m.cooldownUntil) {
			m.transition(domain.StateIdleListening, "", now)
		}
	}
}

// endSession closes the active Session with reason and moves to
// COOLDOWN. Exit action: send end-of-session marker, detach live frames.
func (m *Machine) endSession(at time.Time, reason domain.EndReason) {
	if m.session == nil {
		return
	}
	m.session.EndedAt = at
	m.session.EndReason = reason
	_ = m.transport.SendEOF()
	m.session = nil
	m.voice = false
	m.silenceSince = time.Time{}
	m.cooldownUntil = at.Add(m.cfg.Cooldown())
	m.transition(domain.StateCooldown, reason, at)
}

func (m *Machine) transition(to domain.SessionState, reason domain.EndReason, at time.Time) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	t := Transition{From: from, To: to, Reason: reason, At: at}
	for _, fn := range m.subscribers {
		fn(t)
	}
}

// ActiveSession returns a copy of the current session, or nil if none.
func (m *Machine) ActiveSession() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	return &cp
}
