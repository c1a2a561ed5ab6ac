package logring

import (
	"errors"

	"github.com/google/uuid"

	"github.com/brennhill/devhostd/internal/types"
)

// ErrClosed is returned by Subscribe once a Ring has been retired past
// its grace window.
var ErrClosed = errors.New("logring: ring has been retired")

// From selects where a new subscription starts reading.
type From struct {
	Latest bool  // start after whatever is currently the newest event
	Seq    int64 // start after this seq (0 means "from the beginning")
	TailN  int   // if > 0, first deliver the last TailN events, then continue live
}

// Subscription is a live view into a Ring: Events delivers events in
// order (including any synthetic gap/lost notices); Cancel releases the
// subscriber's cursor and channel promptly, per spec.md §4.5's
// cancellation requirement.
type Subscription struct {
	id     int64
	ring   *Ring
	Events <-chan types.LogEvent
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.ring.unsubscribe(s.id)
}

var subscriberIDSeed int64

func nextSubscriberID() int64 {
	// A random, collision-resistant id is sufficient here: subscriber ids
	// are only ever used as map keys scoped to one Ring, not compared
	// across sessions, so we reuse the uuid generator already in this
	// module's dependency set rather than adding an atomic counter.
	return int64(uuid.New().ID())
}

// Subscribe registers a new subscriber and returns a Subscription. from
// controls the starting point; the bounded channel applies the
// slow-subscriber policy described on Ring.Publish from this point on.
func (r *Ring) Subscribe(from From) (*Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	var cursor int64
	switch {
	case from.Seq > 0:
		cursor = from.Seq
	case from.TailN > 0:
		if from.TailN < len(r.entries) {
			cursor = r.entries[len(r.entries)-from.TailN-1].Seq
		} else if len(r.entries) > 0 {
			cursor = r.entries[0].Seq - 1
		} else {
			cursor = 0
		}
	case from.Latest:
		cursor = r.nextSeq - 1
	}

	backlog, gapped := r.sinceLocked(cursor)

	sub := &subscriber{
		ch:     make(chan types.LogEvent, subscriberChannelCapacity),
		cursor: cursor,
	}
	id := nextSubscriberID()
	r.subs[id] = sub
	r.mu.Unlock()

	if gapped {
		deliverNonBlocking(sub, types.SystemGapEvent(r.sessionID, cursor, r.Earliest()), r.sessionID)
	}
	for _, ev := range backlog {
		deliverNonBlocking(sub, ev, r.sessionID)
	}

	return &Subscription{id: id, ring: r, Events: sub.ch}, nil
}

// sinceLocked must be called with mu held; it is Since's logic factored
// out so Subscribe can call it while already holding the lock.
func (r *Ring) sinceLocked(since int64) (events []types.LogEvent, gapped bool) {
	if len(r.entries) == 0 {
		return nil, since > 0 && since < r.nextSeq-1
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

func (r *Ring) unsubscribe(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		close(s.ch)
		delete(r.subs, id)
	}
}

// Retire marks the ring closed to new subscribers and severs existing
// ones; called once the session's retention grace window has elapsed.
func (r *Ring) Retire() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		for id, s := range r.subs {
			close(s.ch)
			delete(r.subs, id)
		}
	})
}
