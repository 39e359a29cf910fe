package pv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/timzifer/pvmailbox/telemetry"
	"github.com/timzifer/pvmailbox/value"
)

// DefaultQueueSize is the number of updates buffered per subscription.
const DefaultQueueSize = 64

// OverflowPolicy controls what happens when a subscriber falls behind.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued update to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowResync discards the whole backlog and keeps only the newest
	// update, which the subscriber receives flagged as overrun.
	OverflowResync OverflowPolicy = "resync"
)

// ParseOverflowPolicy normalises the textual representation of a policy.
func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowResync:
		return OverflowResync, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", raw)
	}
}

// Update is one value delivered to a subscriber.
type Update struct {
	Value value.Value
	// Seq numbers the updates offered to the subscription, starting at 1.
	// Gaps indicate dropped updates.
	Seq uint64
	// Overrun is set when updates were dropped right before this one.
	Overrun bool
}

// Subscription is a client's cursor into the update feed of one process
// variable. Next must not be called concurrently.
type Subscription struct {
	id        string
	channel   string
	owner     *SharedPV
	capacity  int
	policy    OverflowPolicy
	telemetry telemetry.Collector

	mu        sync.Mutex
	queue     *queue.Queue
	notify    chan struct{}
	seq       uint64
	dropped   uint64
	delivered uint64
	overrun   bool
	end       error
	stop      func() bool
}

func newSubscription(owner *SharedPV, channel string) *Subscription {
	return &Subscription{
		id:        uuid.NewString(),
		channel:   channel,
		owner:     owner,
		capacity:  owner.queueSize,
		policy:    owner.policy,
		telemetry: owner.telemetry,
		queue:     queue.New(),
		notify:    make(chan struct{}, 1),
	}
}

// ID returns a unique identifier used in logs.
func (s *Subscription) ID() string { return s.id }

// Channel returns the channel name the subscriber used.
func (s *Subscription) Channel() string { return s.channel }

// push offers v to the subscriber. It never blocks; the caller holds the
// owner's lock.
func (s *Subscription) push(v value.Value) {
	s.mu.Lock()
	if s.end != nil {
		s.mu.Unlock()
		return
	}
	s.seq++
	var dropped uint64
	if s.queue.Length() >= s.capacity {
		switch s.policy {
		case OverflowResync:
			dropped = uint64(s.queue.Length())
			s.queue = queue.New()
		default:
			s.queue.Remove()
			dropped = 1
		}
		s.dropped += dropped
		s.overrun = true
	}
	s.queue.Add(Update{Value: v, Seq: s.seq, Overrun: s.overrun})
	s.overrun = false
	s.mu.Unlock()

	if dropped > 0 {
		s.telemetry.IncSubscriberDropped(s.channel, dropped)
	}
	s.signal()
}

// finish ends the feed. Queued updates stay deliverable unless discard is
// set.
func (s *Subscription) finish(reason error, discard bool) {
	s.mu.Lock()
	if s.end == nil {
		s.end = reason
	}
	if discard {
		s.queue = queue.New()
	}
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an update is available. It returns io.EOF once the
// process variable closed and the backlog drained, and ErrCancelled after
// Cancel.
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if u, ok, err := s.TryNext(); ok || err != nil {
			return u, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
}

// TryNext returns the next queued update without blocking.
func (s *Subscription) TryNext() (Update, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Length() > 0 {
		u := s.queue.Remove().(Update)
		s.delivered++
		return u, true, nil
	}
	if s.end != nil {
		return Update{}, false, s.end
	}
	return Update{}, false, nil
}

// Cancel detaches the subscription from its process variable and discards
// the backlog.
func (s *Subscription) Cancel() {
	s.owner.unsubscribe(s)
}

// Pending returns the number of queued updates.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length()
}

// Dropped returns the number of updates discarded by the overflow policy.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Delivered returns the number of updates handed to the subscriber.
func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Ended reports whether the feed ended, and why.
func (s *Subscription) Ended() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end != nil, s.end
}
