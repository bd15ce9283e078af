// Package uibridge implements UIBridgeTask: a thin, bounded event-stream
// bridge between the core pipeline and the external UIPresenter (ring
// color, clock, Wi-Fi bars, OTA progress — spec.md §2 treats rendering
// itself as an external collaborator, so this package publishes events
// only).
//
// Grounded on the teacher's internal/display package's shape: a thin
// adapter sitting in front of a rendering surface, consuming state
// changes without owning business logic. Here the rendering surface
// itself is out of scope, so the adapter terminates at a bounded,
// drop-oldest channel instead of a bubbletea Program.
package uibridge

import (
	"context"
	"time"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/session"
)

// EventKind names what changed.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventLinkChanged
	EventHealthChanged
	EventError
)

// Event is published on every state/link/health change the UI needs to
// reflect. Only one of the typed fields is meaningful per Kind.
type Event struct {
	Kind   EventKind
	State  domain.SessionState
	Link   domain.LinkState
	Health domain.HealthSnapshot
	Err    error
	At     time.Time
}

// Bridge fans state/link/health changes out to a bounded channel as they
// happen (the external consumer reads at its own cadence), dropping the
// oldest queued event on overflow so it never backpressures the
// real-time audio path.
type Bridge struct {
	out chan Event
}

// New creates a Bridge with the given channel capacity.
func New(capacity int) *Bridge {
	if capacity <= 0 {
		capacity = 32
	}
	return &Bridge{out: make(chan Event, capacity)}
}

// Events returns the channel an external UIPresenter consumes.
func (b *Bridge) Events() <-chan Event { return b.out }

// OnTransition adapts session.Machine's transition callback.
func (b *Bridge) OnTransition(t session.Transition) {
	b.publish(Event{Kind: EventStateChanged, State: t.To, At: t.At})
}

// OnLinkState adapts domain.Transport's state subscription.
func (b *Bridge) OnLinkState(s domain.LinkState) {
	b.publish(Event{Kind: EventLinkChanged, Link: s, At: time.Now()})
}

// OnHealth adapts monitor.Monitor's snapshot subscription.
func (b *Bridge) OnHealth(h domain.HealthSnapshot) {
	b.publish(Event{Kind: EventHealthChanged, Health: h, At: h.Timestamp})
}

// OnError publishes a fatal/surfaced error condition (spec.md §7: the
// UI turns the ring to the error color).
func (b *Bridge) OnError(err error) {
	b.publish(Event{Kind: EventError, Err: err, At: time.Now()})
}

// publish drops the oldest queued event to make room rather than
// blocking the caller, which always runs on a real-time or link
// goroutine that must not stall on UI consumption.
func (b *Bridge) publish(ev Event) {
	select {
	case b.out <- ev:
		return
	default:
	}
	select {
	case <-b.out:
	default:
	}
	select {
	case b.out <- ev:
	default:
	}
}

// Run is a no-op placeholder for symmetry with the other tasks; Bridge
// has no background work of its own beyond the channel it owns, so Run
// simply blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	<-ctx.Done()
}
