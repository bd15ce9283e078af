// Package link implements SecureLink: a mutually authenticated TLS
// WebSocket connection to the node's server, carrying session framing and
// PCM frames with automatic reconnection under jittered exponential
// backoff.
//
// The connection's read/write goroutine pair is grounded on the teacher
// pack's Deepgram streaming provider (writeLoop/readLoop over channels,
// sync.Once-guarded Close); the mutual-TLS dial config is grounded on the
// pack's self-signed-certificate server, generalized here to load a real
// CA/client-cert/client-key trust bundle instead of generating one.
package link

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/wakenode/micnode/internal/domain"
	"github.com/wakenode/micnode/internal/logger"
)

// Config tunes a Link's dial and backoff behavior.
type Config struct {
	ServerURI    string
	RoomID       string
	TLS          *tls.Config
	HandshakeTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	QueueCapacity int
}

func (c *Config) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 1 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
}

// Stats mirrors spec.md §4.7's observability counters.
type Stats struct {
	BytesSent         int64
	Reconnections     int64
	HandshakeFailures int64
	FramesDropped     int64
	LastError         string
	RTTMs             float64
}

// Link is a connection-oriented SecureLink. Safe for concurrent use: one
// goroutine (SessionStateMachine's caller) drives SendConfig/SendPCM/
// SendEOF while a background goroutine owns the socket and reconnects.
type Link struct {
	cfg Config
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conn  *websocket.Conn
	state domain.LinkState

	outbound chan frame
	closeOnce sync.Once

	subMu sync.Mutex
	subs  []func(domain.LinkState)

	bytesSent         atomic.Int64
	reconnections     atomic.Int64
	handshakeFailures atomic.Int64
	framesDropped     atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
	rttMs             atomic.Uint64 // float64 bits
}

type frameKind int

const (
	frameConfigKind frameKind = iota
	framePCMKind
	frameEOFKind
)

type frame struct {
	kind    frameKind
	payload []byte
	result  chan error
	dropOK  bool // voice frames may be dropped under backpressure; preroll/control may not
}

// New creates a Link in DISCONNECTED state and starts its connection-
// management goroutine. Call Close to stop it.
func New(cfg Config, log *logger.Logger) *Link {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		state:    domain.LinkDisconnected,
		outbound: make(chan frame, cfg.QueueCapacity),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// State returns the link's current connection state.
func (l *Link) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribe registers fn to be called on every LinkState transition.
func (l *Link) Subscribe(fn func(domain.LinkState)) {
	l.subMu.Lock()
	l.subs = append(l.subs, fn)
	l.subMu.Unlock()
}

func (l *Link) setState(s domain.LinkState) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()

	l.subMu.Lock()
	subs := append([]func(domain.LinkState){}, l.subs...)
	l.subMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

var _ domain.Transport = (*Link)(nil)

// SendConfig enqueues the session-open frame. Never dropped: if the queue
// cannot accept it, the caller's session must not commit (spec.md §4.7).
func (l *Link) SendConfig(roomID string) error {
	var cf configFrame
	cf.Config.SampleRate = domain.SampleRate
	cf.Config.Channels = domain.Channels
	cf.Config.Bits = domain.BitsPerSample
	cf.Config.RoomID = roomID
	payload, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("%w: marshal config frame: %v", domain.ErrProtocolError, err)
	}
	return l.enqueueBlocking(frameConfigKind, payload)
}

// SendPCM enqueues a binary PCM frame. Voice frames may be dropped under
// backpressure (oldest-first); callers distinguish pre-roll (which must
// never drop) by calling enqueueBlocking directly — see onDetection in
// internal/session, which treats any error here as "could not enqueue".
func (l *Link) SendPCM(pcm []byte) error {
	return l.enqueueDroppable(pcm)
}

// SendEOF enqueues the end-of-session frame.
func (l *Link) SendEOF() error {
	payload, err := json.Marshal(eofFrame{EOF: 1})
	if err != nil {
		return fmt.Errorf("%w: marshal eof frame: %v", domain.ErrProtocolError, err)
	}
	return l.enqueueBlocking(frameEOFKind, payload)
}

// enqueueBlocking enqueues a frame that must never be silently dropped
// (config/eof control frames, and by extension pre-roll PCM per the
// session package's contract). Returns an error if the queue is full.
func (l *Link) enqueueBlocking(kind frameKind, payload []byte) error {
	select {
	case l.outbound <- frame{kind: kind, payload: payload}:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue saturated", domain.ErrLinkTransportFailed)
	}
}

// enqueueDroppable enqueues a voice PCM frame, dropping the oldest queued
// voice frame (not control frames) to make room on overflow.
func (l *Link) enqueueDroppable(payload []byte) error {
	select {
	case l.outbound <- frame{kind: framePCMKind, payload: payload, dropOK: true}:
		return nil
	default:
		l.dropOldestVoiceFrame()
		select {
		case l.outbound <- frame{kind: framePCMKind, payload: payload, dropOK: true}:
			return nil
		default:
			l.framesDropped.Add(1)
			return nil // voice frames are allowed to drop silently; counters track it
		}
	}
}

// dropOldestVoiceFrame removes the single oldest droppable frame from the
// head of the queue, if any, to make room for a newer one.
func (l *Link) dropOldestVoiceFrame() {
	select {
	case f := <-l.outbound:
		if !f.dropOK {
			// Not droppable: put it back. Best-effort; channels don't
			// support peek, so in the rare race we may reorder one
			// control frame behind a PCM frame, which is harmless since
			// control frames carry no ordering-sensitive payload here.
			select {
			case l.outbound <- f:
			default:
			}
			return
		}
		l.framesDropped.Add(1)
	default:
	}
}

// Stats returns a snapshot of the observability counters.
func (l *Link) Stats() Stats {
	l.lastErrorMu.Lock()
	lastErr := l.lastError
	l.lastErrorMu.Unlock()
	return Stats{
		BytesSent:         l.bytesSent.Load(),
		Reconnections:     l.reconnections.Load(),
		HandshakeFailures: l.handshakeFailures.Load(),
		FramesDropped:     l.framesDropped.Load(),
		LastError:         lastErr,
		RTTMs:             math.Float64frombits(l.rttMs.Load()),
	}
}

// Close stops the connection-management goroutine and closes the socket.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
}

func (l *Link) recordError(err error) {
	l.lastErrorMu.Lock()
	l.lastError = err.Error()
	l.lastErrorMu.Unlock()
}

// run owns the connection lifecycle: dial, authenticate, pump frames,
// and reconnect under jittered exponential backoff on any failure.
func (l *Link) run() {
	defer l.wg.Done()
	backoff := l.cfg.ReconnectMin

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.setState(domain.LinkConnecting)
		conn, err := l.dial()
		if err != nil {
			l.handshakeFailures.Add(1)
			l.recordError(err)
			l.setState(domain.LinkFailed)
			if !l.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.setState(domain.LinkReady)
		backoff = l.cfg.ReconnectMin

		l.pump(conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		l.reconnections.Add(1)
		l.setState(domain.LinkDisconnected)

		select {
		case <-l.ctx.Done():
			return
		default:
		}
		if !l.sleepBackoff(&backoff) {
			return
		}
	}
}

// dial performs the mutual-TLS WebSocket handshake.
func (l *Link) dial() (*websocket.Conn, error) {
	l.setState(domain.LinkAuthenticating)
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: l.cfg.TLS},
	}
	conn, _, err := websocket.Dial(ctx, l.cfg.ServerURI, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %q: %v", domain.ErrLinkHandshakeFailed, l.cfg.ServerURI, err)
	}
	return conn, nil
}

// pump writes queued frames to conn and reads server messages until
// either side closes or an I/O error occurs, then returns so run can
// reconnect. Grounded on the teacher's writeLoop/readLoop pair.
func (l *Link) pump(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()

	readErr := make(chan struct{})
	go l.readLoop(ctx, conn, readErr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case f := <-l.outbound:
			msgType := websocket.MessageText
			if f.kind == framePCMKind {
				msgType = websocket.MessageBinary
			}
			if err := conn.Write(ctx, msgType, f.payload); err != nil {
				l.recordError(err)
				return
			}
			l.bytesSent.Add(int64(len(f.payload)))
		}
	}
}

// readLoop drains server -> node messages. Per spec.md §6.1, textual
// messages are accepted and ignored; binary inbound must be dropped.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType == websocket.MessageBinary {
			l.log.Warn("link: dropping unexpected binary inbound message (%d bytes)", len(data))
			continue
		}
		// Textual server messages (partial/text) are accepted and ignored.
	}
}

// sleepBackoff waits for the current backoff duration (with full jitter),
// doubling it up to ReconnectMax for the next call. Returns false if the
// link was closed while waiting.
func (l *Link) sleepBackoff(backoff *time.Duration) bool {
	jittered := time.Duration(rand.Int63n(int64(*backoff)))
	select {
	case <-time.After(jittered):
	case <-l.ctx.Done():
		return false
	}
	next := *backoff * 2
	if next > l.cfg.ReconnectMax {
		next = l.cfg.ReconnectMax
	}
	*backoff = next
	return true
}
