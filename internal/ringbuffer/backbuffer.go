package ringbuffer

// BackBuffer is a rolling tail of recent PCM bytes kept so a committed
// detection can include audio context from before the trigger. It is
// exclusively owned by the capture task; readers only ever get a
// short-lived copy via Snapshot.
type BackBuffer struct {
	ring        *RingBuffer
	bytesPerMs  int
	durationMs  int
}

// NewBackBuffer creates a BackBuffer sized for durationMs milliseconds of
// audio at bytesPerMs bytes per millisecond (e.g. 32 for 16 kHz/16-bit
// mono: 16000*2/1000). Always overwrites — the oldest samples are
// discarded once the window is full.
func NewBackBuffer(durationMs, bytesPerMs int) *BackBuffer {
	return &BackBuffer{
		ring:       New(durationMs*bytesPerMs, WithOverwrite(true)),
		bytesPerMs: bytesPerMs,
		durationMs: durationMs,
	}
}

// Write appends captured PCM bytes, discarding the oldest bytes to stay
// within the configured duration.
func (b *BackBuffer) Write(data []byte) {
	b.ring.Write(data)
}

// Snapshot returns the most recent min(requestedMs, durationMs) of PCM as
// a single contiguous, newly allocated copy — atomic with respect to
// concurrent writers because it is taken under the ring's own lock.
func (b *BackBuffer) Snapshot(requestedMs int) []byte {
	if requestedMs > b.durationMs {
		requestedMs = b.durationMs
	}
	want := requestedMs * b.bytesPerMs
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()
	avail := b.ring.count
	if want > avail {
		want = avail
	}
	out := make([]byte, want)
	// The most recent `want` bytes are the last `want` bytes relative to
	// the tail: skip (avail-want) bytes of older history, then peek.
	skip := avail - want
	b.ring.peekLocked(out, skip)
	return out
}

// Clear empties the buffer (e.g. on detector reset).
func (b *BackBuffer) Clear() { b.ring.Clear() }

// DurationMs returns the configured back-buffer duration.
func (b *BackBuffer) DurationMs() int { return b.durationMs }
