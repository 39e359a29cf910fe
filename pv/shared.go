// Package pv implements shared process variables: a typed value owned by
// one SharedPV, concurrent get/put/rpc dispatch against it and fan-out of
// every update to the active subscriptions.
package pv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/telemetry"
	"github.com/timzifer/pvmailbox/value"
)

// Option configures a SharedPV during construction.
type Option func(*SharedPV)

// WithQueueSize bounds the number of updates buffered per subscription.
func WithQueueSize(size int) Option {
	return func(p *SharedPV) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithOverflowPolicy selects how subscriptions shed load when full.
func WithOverflowPolicy(policy OverflowPolicy) Option {
	return func(p *SharedPV) {
		if policy != "" {
			p.policy = policy
		}
	}
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *SharedPV) {
		p.logger = logger.With().Str("component", "pv").Logger()
	}
}

// WithTelemetry sets the collector receiving operation and subscriber
// metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(p *SharedPV) {
		if collector != nil {
			p.telemetry = collector
		}
	}
}

// WithClock replaces the timestamp source used for values posted without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *SharedPV) {
		if now != nil {
			p.now = now
		}
	}
}

// SharedPV owns the current value of one process variable.
//
// A SharedPV is either closed or open with a fixed value kind. Changing the
// kind requires Close followed by Open. All state transitions, posts and
// subscription changes are serialised by a single lock which is never held
// while the handler runs.
type SharedPV struct {
	handler   Handler
	logger    zerolog.Logger
	telemetry telemetry.Collector
	queueSize int
	policy    OverflowPolicy
	now       func() time.Time

	mu         sync.Mutex
	open       bool
	current    value.Value
	generation uint64
	subs       map[*Subscription]struct{}
	channels   map[string]int
	pending    map[*Operation]struct{}
	backlog    *queue.Queue
	draining   bool
}

// Status is a point-in-time view of a SharedPV.
type Status struct {
	Open        bool
	Kind        value.Kind
	Generation  uint64
	Subscribers int
	Pending     int
}

// New creates a closed SharedPV served by handler. A nil handler behaves
// like DefaultHandler.
func New(handler Handler, opts ...Option) *SharedPV {
	if handler == nil {
		handler = DefaultHandler{}
	}
	p := &SharedPV{
		handler:   handler,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		queueSize: DefaultQueueSize,
		policy:    OverflowDropOldest,
		now:       time.Now,
		subs:      make(map[*Subscription]struct{}),
		channels:  make(map[string]int),
		pending:   make(map[*Operation]struct{}),
		backlog:   queue.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// NewOpen creates a SharedPV and opens it with initial.
func NewOpen(initial value.Value, handler Handler, opts ...Option) (*SharedPV, error) {
	p := New(handler, opts...)
	if err := p.Open(initial); err != nil {
		return nil, err
	}
	return p, nil
}

// Handler returns the handler supplied at construction.
func (p *SharedPV) Handler() Handler { return p.handler }

// Open transitions a closed PV to open with v as current value. Waiting
// subscriptions receive v as their first update.
func (p *SharedPV) Open(v value.Value) error {
	if !v.Valid() {
		return ErrInvalidValue
	}
	if v.Timestamp().IsZero() {
		v = v.WithTimestamp(p.now())
	}
	p.mu.Lock()
	if p.open {
		p.mu.Unlock()
		return ErrAlreadyOpen
	}
	p.open = true
	p.current = v
	p.generation++
	for sub := range p.subs {
		sub.push(v)
	}
	generation := p.generation
	p.mu.Unlock()

	p.logger.Debug().Str("kind", string(v.Kind())).Uint64("generation", generation).Msg("opened")
	return nil
}

// Close transitions an open PV to closed. Pending puts fail with
// ErrDisconnected and every subscription ends with io.EOF once its backlog
// is drained. Closing a closed PV is a no-op.
func (p *SharedPV) Close() {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	p.open = false
	p.current = value.Value{}
	p.generation++
	subs := p.subs
	p.subs = make(map[*Subscription]struct{})
	for channel := range p.channels {
		p.telemetry.SetSubscribers(channel, 0)
	}
	p.channels = make(map[string]int)
	pending := make([]*Operation, 0, len(p.pending))
	for op := range p.pending {
		if op.Kind() == OpPut {
			pending = append(pending, op)
			delete(p.pending, op)
		}
	}
	p.mu.Unlock()

	for sub := range subs {
		sub.finish(io.EOF, false)
	}
	for _, op := range pending {
		op.abort(ErrDisconnected)
	}
	p.logger.Debug().Int("subscriptions", len(subs)).Int("pending", len(pending)).Msg("closed")
	if len(subs) > 0 {
		p.handler.OnLastSubscriberGone(p)
	}
}

// Post replaces the current value and offers it to every subscription. A
// non-zero ts overrides the value's timestamp; values without a timestamp
// are stamped with the current time.
func (p *SharedPV) Post(v value.Value, ts time.Time) error {
	if !v.Valid() {
		return ErrInvalidValue
	}
	if !ts.IsZero() {
		v = v.WithTimestamp(ts)
	} else if v.Timestamp().IsZero() {
		v = v.WithTimestamp(p.now())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrDisconnected
	}
	if v.Kind() != p.current.Kind() {
		return fmt.Errorf("%w: cannot post %s to %s", ErrTypeMismatch, v.Kind(), p.current.Kind())
	}
	p.current = v
	for sub := range p.subs {
		sub.push(v)
	}
	return nil
}

// Current returns the current value, or ErrDisconnected when closed.
func (p *SharedPV) Current() (value.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return value.Value{}, ErrDisconnected
	}
	return p.current, nil
}

// IsOpen reports whether the PV is open.
func (p *SharedPV) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Kind returns the value kind while open.
func (p *SharedPV) Kind() (value.Kind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Kind(), p.open
}

// Subscribers returns the number of active subscriptions.
func (p *SharedPV) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Status returns a point-in-time view of the PV.
func (p *SharedPV) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Open:        p.open,
		Kind:        p.current.Kind(),
		Generation:  p.generation,
		Subscribers: len(p.subs),
		Pending:     len(p.pending),
	}
}

// Submit accepts an operation from a client channel.
//
// Gets complete immediately. Puts against a closed PV fail with
// ErrDisconnected before reaching the handler; otherwise puts and rpcs are
// handed to the handler in acceptance order by a single dispatch goroutine.
// Submit never runs the handler itself.
func (p *SharedPV) Submit(op *Operation) {
	if op == nil {
		return
	}
	if !op.attach(p.settled) {
		return
	}
	switch op.Kind() {
	case OpGet:
		p.get(op)
	case OpPut, OpRPC:
		p.enqueue(op)
	default:
		op.settle(StateDone, Result{Err: fmt.Errorf("pv: unsupported operation %s", op.Kind())})
	}
}

// Subscribe creates a subscription for channel. When the PV is open the
// current value is queued as the first update; otherwise the subscription
// waits for the next Open. The subscription is cancelled when ctx is done.
func (p *SharedPV) Subscribe(ctx context.Context, channel string) *Subscription {
	sub := newSubscription(p, channel)
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	if p.open {
		sub.push(p.current)
	}
	first := len(p.subs) == 1
	p.channels[channel]++
	p.telemetry.SetSubscribers(channel, p.channels[channel])
	p.mu.Unlock()

	if ctx != nil {
		stop := context.AfterFunc(ctx, sub.Cancel)
		sub.mu.Lock()
		sub.stop = stop
		sub.mu.Unlock()
	}
	p.logger.Debug().Str("channel", channel).Str("subscription", sub.ID()).Msg("subscribed")
	if first {
		p.handler.OnFirstSubscriber(p)
	}
	return sub
}

func (p *SharedPV) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	_, ok := p.subs[sub]
	last := false
	if ok {
		delete(p.subs, sub)
		last = len(p.subs) == 0
		p.channels[sub.channel]--
		p.telemetry.SetSubscribers(sub.channel, p.channels[sub.channel])
		if p.channels[sub.channel] <= 0 {
			delete(p.channels, sub.channel)
		}
	}
	p.mu.Unlock()

	sub.finish(ErrCancelled, true)
	if ok {
		p.logger.Debug().Str("channel", sub.channel).Str("subscription", sub.ID()).Msg("unsubscribed")
	}
	if last {
		p.handler.OnLastSubscriberGone(p)
	}
}

func (p *SharedPV) get(op *Operation) {
	p.mu.Lock()
	open, current := p.open, p.current
	p.mu.Unlock()
	if !open {
		op.settle(StateDone, Result{Err: ErrDisconnected})
		return
	}
	op.settle(StateDone, Result{Value: current})
}

func (p *SharedPV) enqueue(op *Operation) {
	p.mu.Lock()
	if op.Kind() == OpPut && !p.open {
		p.mu.Unlock()
		op.settle(StateDone, Result{Err: ErrDisconnected})
		return
	}
	// Cancelled between attach and here: settled already ran.
	if op.State() != StatePending {
		p.mu.Unlock()
		return
	}
	p.pending[op] = struct{}{}
	op.generation = p.generation
	p.backlog.Add(op)
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()
	go p.drain()
}

func (p *SharedPV) drain() {
	for {
		p.mu.Lock()
		if p.backlog.Length() == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		op := p.backlog.Remove().(*Operation)
		stale := op.Kind() == OpPut && (!p.open || op.generation != p.generation)
		p.mu.Unlock()

		if op.State() != StatePending {
			continue
		}
		if stale {
			op.abort(ErrDisconnected)
			continue
		}
		p.dispatch(op)
	}
}

func (p *SharedPV) dispatch(op *Operation) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, ErrDoubleCompletion) {
				p.mu.Lock()
				p.draining = false
				p.mu.Unlock()
				panic(r)
			}
			p.fault(op, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch op.Kind() {
	case OpPut:
		err = p.handler.Put(p, op)
	case OpRPC:
		err = p.handler.RPC(p, op)
	}
	if err != nil {
		p.fault(op, err)
	}
}

func (p *SharedPV) fault(op *Operation, err error) {
	fault := &HandlerFault{Kind: op.Kind(), Err: err}
	if !op.settle(StateDone, Result{Err: fault}) {
		p.logger.Warn().Err(err).Str("op", op.Kind().String()).Str("id", op.ID()).Msg("handler failed after completing operation")
		return
	}
	p.logger.Error().Err(err).Str("op", op.Kind().String()).Str("channel", op.Channel()).Msg("handler fault")
}

// settled runs once per submitted operation, on whichever goroutine
// completed it.
func (p *SharedPV) settled(op *Operation, res Result) {
	p.mu.Lock()
	delete(p.pending, op)
	p.mu.Unlock()
	p.telemetry.IncOperation(op.Kind().String(), outcome(op, res))
}

func outcome(op *Operation, res Result) string {
	var fault *HandlerFault
	switch {
	case op.State() == StateCancelled && errors.Is(res.Err, ErrCancelled):
		return "cancelled"
	case res.Err == nil:
		return "ok"
	case errors.Is(res.Err, ErrDisconnected):
		return "disconnected"
	case errors.As(res.Err, &fault):
		return "fault"
	default:
		return "error"
	}
}
