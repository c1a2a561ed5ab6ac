// Package logring implements the Log Ring (C2): a per-session bounded,
// timestamp-ordered event buffer with cursor-based multi-subscriber
// fan-out, slow-subscriber drop policy, and retention grace.
//
// Grounded on the teacher's RingBuffer-shaped deps (sasha-s/go-deadlock
// for the guarding mutex) and on the pack's own ring-buffer
// implementations: gasoline-mcp's internal/buffers.RingBuffer (generic,
// cursor-based, timestamp-tracked circular buffer -- the closest
// conceptual match in the whole corpus) and the kdlbs-kandev
// process-runner's byte-ceiling ringBuffer (evict-oldest-until-under-limit).
// This ring generalizes both: entries evict on whichever of count or byte
// ceiling is hit first, and in addition to a flat tail() it supports
// independent subscriber cursors with bounded per-subscriber channels.
package logring

import (
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/brennhill/devhostd/internal/types"
)

const subscriberChannelCapacity = 256

// Ring is one session's bounded log buffer plus its subscriber registry.
type Ring struct {
	mu deadlock.Mutex

	sessionID string
	capacity  int
	byteCeil  int64

	entries    []types.LogEvent
	byteSize   int64
	nextSeq    int64

	subs map[int64]*subscriber

	closed    bool
	closeOnce sync.Once
}

type subscriber struct {
	ch     chan types.LogEvent
	cursor int64 // last delivered seq
}

// New creates a Ring for sessionID with the given capacity (entry count)
// and byte ceiling; whichever bound is hit first evicts.
func New(sessionID string, capacity int, byteCeil int64) *Ring {
	return &Ring{
		sessionID: sessionID,
		capacity:  capacity,
		byteCeil:  byteCeil,
		nextSeq:   1,
		subs:      make(map[int64]*subscriber),
	}
}

// Publish appends one event, assigning it the next seq, and fans it out
// to every subscriber. It never blocks on a subscriber: publish only
// touches the shared ring under mu, and per-subscriber delivery is a
// non-blocking channel send guarded by the slow-subscriber policy.
func (r *Ring) Publish(stream types.LogStream, line []byte, level types.LogLevel, truncated bool) types.LogEvent {
	r.mu.Lock()

	ev := types.LogEvent{
		SessionID: r.sessionID,
		Seq:       r.nextSeq,
		Ts:        time.Now(),
		Stream:    stream,
		Line:      append([]byte(nil), line...),
		Level:     level,
		Truncated: truncated,
	}
	r.nextSeq++

	r.entries = append(r.entries, ev)
	r.byteSize += int64(len(ev.Line))

	evicted := r.evictLocked()

	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	if evicted {
		burst := types.SystemEvictionEvent(r.sessionID, ev.Seq, r.Earliest()-1)
		for _, s := range subs {
			deliverNonBlocking(s, burst, r.sessionID)
		}
	}

	for _, s := range subs {
		deliverNonBlocking(s, ev, r.sessionID)
	}

	return ev
}

// evictLocked must be called with mu held. It evicts from the front
// until both the count and byte ceilings are satisfied, reporting
// whether anything was evicted (so Publish can emit one gap notice per
// eviction burst, not per evicted entry).
func (r *Ring) evictLocked() bool {
	evicted := false
	for len(r.entries) > r.capacity || (r.byteCeil > 0 && r.byteSize > r.byteCeil) {
		if len(r.entries) == 0 {
			break
		}
		head := r.entries[0]
		r.byteSize -= int64(len(head.Line))
		r.entries = r.entries[1:]
		evicted = true
	}
	return evicted
}

// deliverNonBlocking implements the slow-subscriber policy: if the
// subscriber's channel is full, drop its oldest undelivered event and
// push a synthetic "lost" notice instead of blocking the ring.
func deliverNonBlocking(s *subscriber, ev types.LogEvent, sessionID string) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Channel full: drop one queued event to make room, then report loss.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- types.SystemLostEvent(sessionID, ev.Seq, 1):
	default:
		// Still full (a racing publisher beat us to the slot); the next
		// successful drain will naturally make room for subsequent events.
	}
}

// Earliest returns the seq of the oldest entry currently retained.
func (r *Ring) Earliest() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return r.nextSeq
	}
	return r.entries[0].Seq
}

// Latest returns the seq most recently assigned, or 0 if nothing has
// been published yet.
func (r *Ring) Latest() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Tail returns the last n events currently in the ring.
func (r *Ring) Tail(n int) []types.LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || len(r.entries) == 0 {
		return nil
	}
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]types.LogEvent, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Since returns all events with seq > since, plus a bool reporting
// whether since has already been evicted (the caller should emit a gap
// event first in that case, per spec.md §4.2).
func (r *Ring) Since(since int64) (events []types.LogEvent, gapped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil, since < r.nextSeq-1 && since > 0
	}
	earliest := r.entries[0].Seq
	if since > 0 && since < earliest-1 {
		gapped = true
	}
	for _, e := range r.entries {
		if e.Seq > since {
			events = append(events, e)
		}
	}
	return events, gapped
}
