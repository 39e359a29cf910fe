// Package mailbox implements a process variable handler that stores whatever
// clients put into it and lets clients change the value type over RPC.
package mailbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

// HelpText is returned by the help RPC.
const HelpText = "Try newtype=int (or float or str)"

// Success is returned by a newtype RPC.
const Success = "Success"

var (
	// ErrUnknownRPC is returned for rpc requests that are neither help nor newtype.
	ErrUnknownRPC = errors.New("mailbox: unknown rpc, expected help or newtype")
	// ErrUnknownType is returned when newtype names an unsupported type.
	ErrUnknownType = errors.New("mailbox: unknown type")
	// ErrRejected is returned when the put guard refuses a value.
	ErrRejected = errors.New("mailbox: put rejected by guard")
)

// Types returns the value prototypes selectable through newtype, keyed by
// their short name.
func Types() map[string]value.Type {
	types := make(map[string]value.Type, len(value.Kinds()))
	for _, kind := range value.Kinds() {
		types[shortName(kind)] = value.Scalar(kind)
	}
	return types
}

func shortName(kind value.Kind) string {
	if kind == value.KindString {
		return "str"
	}
	return string(kind)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for assignment and type change messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger.With().Str("component", "mailbox").Logger()
	}
}

// WithGuard installs an expression that must evaluate to true for a put to
// be accepted. The expression sees value, current and channel.
func WithGuard(expression string) Option {
	return func(h *Handler) {
		h.guardSource = strings.TrimSpace(expression)
	}
}

// WithClock replaces the source of put timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler serves one mailbox PV.
type Handler struct {
	logger      zerolog.Logger
	now         func() time.Time
	guardSource string
	guard       *vm.Program
}

// New creates a mailbox handler. It fails when the guard expression does not
// compile.
func New(opts ...Option) (*Handler, error) {
	h := &Handler{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.guardSource != "" {
		program, err := CompileGuard(h.guardSource)
		if err != nil {
			return nil, err
		}
		h.guard = program
	}
	return h, nil
}

// CompileGuard compiles a put guard expression.
func CompileGuard(expression string) (*vm.Program, error) {
	program, err := expr.Compile(strings.TrimSpace(expression),
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("put guard: compile: %w", err)
	}
	return program, nil
}

// Guard returns the guard expression, or "" when puts are unrestricted.
func (h *Handler) Guard() string {
	return h.guardSource
}

// Put stores the client value, converted to the current type.
func (h *Handler) Put(shared *pv.SharedPV, op *pv.Operation) error {
	current, err := shared.Current()
	if err != nil {
		op.Fail(err)
		return nil
	}
	v, err := value.Convert(op.Value(), current.Kind())
	if err != nil {
		op.Fail(fmt.Errorf("%w: %v", pv.ErrTypeMismatch, err))
		return nil
	}
	if h.guard != nil {
		allowed, err := h.allow(op.Channel(), v, current)
		if err != nil {
			return err
		}
		if !allowed {
			op.Fail(fmt.Errorf("%w: %s", ErrRejected, h.guardSource))
			return nil
		}
	}
	if err := shared.Post(v, h.now()); err != nil {
		op.Fail(err)
		return nil
	}
	h.logger.Info().Str("channel", op.Channel()).Str("value", v.String()).
		Msgf("Assign %s = %s", op.Channel(), v)
	op.DoneEmpty()
	return nil
}

// RPC answers help requests and changes the value type on newtype requests.
func (h *Handler) RPC(shared *pv.SharedPV, op *pv.Operation) error {
	if _, ok := op.Query("help"); ok {
		op.Done(value.Scalar(value.KindString).MustWrap(HelpText))
		return nil
	}
	name, ok := op.Query("newtype")
	if !ok {
		op.Fail(ErrUnknownRPC)
		return nil
	}
	kind, err := value.ParseKind(name)
	if err != nil {
		op.Fail(fmt.Errorf("%w: %q", ErrUnknownType, name))
		return nil
	}

	op.Done(value.Scalar(value.KindString).MustWrap(Success))

	shared.Close()
	if err := shared.Open(value.Scalar(kind).Zero()); err != nil {
		// Another rpc reopened the PV in between.
		h.logger.Warn().Err(err).Str("channel", op.Channel()).Msg("reopen after type change failed")
		return nil
	}
	h.logger.Info().Str("channel", op.Channel()).Str("type", string(kind)).Msg("type changed")
	return nil
}

func (h *Handler) OnFirstSubscriber(*pv.SharedPV) {
	h.logger.Debug().Msg("first subscriber")
}

func (h *Handler) OnLastSubscriberGone(*pv.SharedPV) {
	h.logger.Debug().Msg("last subscriber gone")
}

func (h *Handler) allow(channel string, v, current value.Value) (bool, error) {
	env := map[string]interface{}{
		"value":   guardValue(v),
		"current": guardValue(current),
		"channel": channel,
	}
	out, err := vm.Run(h.guard, env)
	if err != nil {
		return false, fmt.Errorf("put guard: %w", err)
	}
	allowed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("put guard: expected bool result, got %T", out)
	}
	return allowed, nil
}

// Decimals are compared as floats inside guard expressions.
func guardValue(v value.Value) interface{} {
	if d, ok := v.Decimal(); ok {
		return d.InexactFloat64()
	}
	return v.Interface()
}
