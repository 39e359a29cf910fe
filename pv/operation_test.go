package pv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvmailbox/value"
)

func TestOperationCompletesOnce(t *testing.T) {
	op := NewPut(context.Background(), "foo", value.Scalar(value.KindInt).MustWrap(1))
	require.Equal(t, StatePending, op.State())

	op.DoneEmpty()
	require.Equal(t, StateDone, op.State())

	res, err := op.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, res.Value.Valid())

	require.PanicsWithError(t, "pv: operation completed twice: put "+op.ID()+" on \"foo\"", func() {
		op.Done(value.Scalar(value.KindInt).MustWrap(2))
	})
}

func TestOperationFailCarriesError(t *testing.T) {
	op := NewGet(context.Background(), "foo")
	boom := errors.New("boom")
	op.Fail(boom)
	_, err := op.Wait(context.Background())
	require.ErrorIs(t, err, boom)

	op = NewGet(context.Background(), "foo")
	op.Fail(nil)
	_, err = op.Wait(context.Background())
	require.Error(t, err)
}

func TestOperationCompletionAfterClientGoneIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := NewPut(ctx, "foo", value.Scalar(value.KindInt).MustWrap(1))
	cancel()

	require.Eventually(t, func() bool { return op.State() == StateCancelled }, time.Second, time.Millisecond)
	require.NotPanics(t, func() { op.DoneEmpty() })
	require.NotPanics(t, func() { op.Fail(errors.New("late")) })

	res, err := op.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, res.Err, ErrCancelled)
}

func TestOperationWaitHonoursContext(t *testing.T) {
	op := NewGet(context.Background(), "foo")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := op.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, StateCancelled, op.State())
	select {
	case <-op.Completed():
	default:
		t.Fatal("expected completed channel to be closed")
	}
}

func TestRPCQueryIsCopied(t *testing.T) {
	query := map[string]string{"help": "1"}
	op := NewRPC(context.Background(), "foo", value.Value{}, query)
	query["help"] = "2"
	query["newtype"] = "str"

	help, ok := op.Query("help")
	require.True(t, ok)
	require.Equal(t, "1", help)
	_, ok = op.Query("newtype")
	require.False(t, ok)

	params := op.QueryParams()
	params["x"] = "y"
	_, ok = op.Query("x")
	require.False(t, ok)
}

func TestOpKindAndStateStrings(t *testing.T) {
	require.Equal(t, "get", OpGet.String())
	require.Equal(t, "put", OpPut.String())
	require.Equal(t, "rpc", OpRPC.String())
	require.Equal(t, "opkind(9)", OpKind(9).String())
	require.Equal(t, "cancelled", StateCancelled.String())
}
