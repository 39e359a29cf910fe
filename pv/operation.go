package pv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/timzifer/pvmailbox/value"
)

// OpKind identifies the request carried by an Operation.
type OpKind int

const (
	// OpGet reads the current value.
	OpGet OpKind = iota
	// OpPut submits a new value to the handler.
	OpPut
	// OpRPC invokes the handler with a value and query parameters.
	OpRPC
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpRPC:
		return "rpc"
	default:
		return fmt.Sprintf("opkind(%d)", int(k))
	}
}

// State is the completion state of an Operation.
type State int32

const (
	// StatePending operations await completion.
	StatePending State = iota
	// StateDone operations were completed with a value or an error.
	StateDone
	// StateCancelled operations lost their client or their process variable
	// before completion. Later completions are discarded.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result is the outcome delivered to the requesting client.
type Result struct {
	Value value.Value
	Err   error
}

type settleHook func(op *Operation, res Result)

// Operation is one pending client request against a process variable.
//
// An operation settles exactly once: the first Done, DoneEmpty or Fail call
// wins the result slot. Completing an operation that was cancelled is a
// no-op, completing it twice panics with ErrDoubleCompletion.
type Operation struct {
	id      string
	kind    OpKind
	channel string
	value   value.Value
	query   map[string]string
	ctx     context.Context

	generation uint64

	state  atomic.Int32
	done   chan struct{}
	result Result
	stop   func() bool

	hookMu sync.Mutex
	hook   settleHook
}

// NewGet creates a get operation issued on channel.
func NewGet(ctx context.Context, channel string) *Operation {
	return newOperation(ctx, OpGet, channel, value.Value{}, nil)
}

// NewPut creates a put operation carrying v.
func NewPut(ctx context.Context, channel string, v value.Value) *Operation {
	return newOperation(ctx, OpPut, channel, v, nil)
}

// NewRPC creates an rpc operation carrying v and query. The query map is
// copied.
func NewRPC(ctx context.Context, channel string, v value.Value, query map[string]string) *Operation {
	copied := make(map[string]string, len(query))
	for k, val := range query {
		copied[k] = val
	}
	return newOperation(ctx, OpRPC, channel, v, copied)
}

func newOperation(ctx context.Context, kind OpKind, channel string, v value.Value, query map[string]string) *Operation {
	if ctx == nil {
		ctx = context.Background()
	}
	op := &Operation{
		id:      uuid.NewString(),
		kind:    kind,
		channel: channel,
		value:   v,
		query:   query,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
	op.stop = context.AfterFunc(ctx, op.cancel)
	return op
}

// ID returns a unique identifier used in logs.
func (o *Operation) ID() string { return o.id }

// Kind returns the request kind.
func (o *Operation) Kind() OpKind { return o.kind }

// Channel returns the channel name the client used to reach the process
// variable.
func (o *Operation) Channel() string { return o.channel }

// Value returns the value supplied by the client for put and rpc requests.
func (o *Operation) Value() value.Value { return o.value }

// Query returns the value for key from the rpc query parameters.
func (o *Operation) Query(key string) (string, bool) {
	v, ok := o.query[key]
	return v, ok
}

// QueryParams returns a copy of the rpc query parameters.
func (o *Operation) QueryParams() map[string]string {
	out := make(map[string]string, len(o.query))
	for k, v := range o.query {
		out[k] = v
	}
	return out
}

// Context is cancelled when the requesting client goes away.
func (o *Operation) Context() context.Context { return o.ctx }

// State reports the completion state.
func (o *Operation) State() State { return State(o.state.Load()) }

// Completed is closed once the operation settles.
func (o *Operation) Completed() <-chan struct{} { return o.done }

// Done completes the operation with v.
func (o *Operation) Done(v value.Value) {
	o.complete(Result{Value: v})
}

// DoneEmpty completes the operation without a value.
func (o *Operation) DoneEmpty() {
	o.complete(Result{})
}

// Fail completes the operation with err.
func (o *Operation) Fail(err error) {
	if err == nil {
		err = errors.New("operation failed")
	}
	o.complete(Result{Err: err})
}

func (o *Operation) complete(res Result) {
	if o.settle(StateDone, res) {
		return
	}
	if o.State() == StateDone {
		panic(fmt.Errorf("%w: %s %s on %q", ErrDoubleCompletion, o.kind, o.id, o.channel))
	}
}

// Wait blocks until the operation settles or ctx is done. Cancelling ctx
// cancels the operation.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-o.done:
		return o.result, o.result.Err
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return o.result, o.result.Err
	}
}

func (o *Operation) cancel() {
	o.settle(StateCancelled, Result{Err: ErrCancelled})
}

func (o *Operation) abort(err error) bool {
	return o.settle(StateCancelled, Result{Err: err})
}

// settle moves the operation out of StatePending. Only the caller winning
// the transition writes the result.
func (o *Operation) settle(state State, res Result) bool {
	if !o.state.CompareAndSwap(int32(StatePending), int32(state)) {
		return false
	}
	o.result = res
	if o.stop != nil {
		o.stop()
	}
	o.hookMu.Lock()
	hook := o.hook
	o.hookMu.Unlock()
	if hook != nil {
		hook(o, res)
	}
	close(o.done)
	return true
}

// attach installs the settle hook. It fails when the operation already
// settled, for example because the client went away before submission.
func (o *Operation) attach(hook settleHook) bool {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	if o.State() != StatePending {
		return false
	}
	o.hook = hook
	return true
}
