package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCancelRegistry_SignalTriggersOnce(t *testing.T) {
	r := NewCancelRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register(1, cancel)
	require.Equal(t, 1, r.Len())

	require.True(t, r.Signal(1))
	require.Error(t, ctx.Err())
	require.Zero(t, r.Len())

	// the handle is removed exactly once; a second signal finds nothing
	require.False(t, r.Signal(1))
}

func TestCancelRegistry_SignalUnknownIsNoop(t *testing.T) {
	r := NewCancelRegistry()
	require.False(t, r.Signal(99))
}

func TestCancelRegistry_ClearIsIdempotent(t *testing.T) {
	r := NewCancelRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register(7, cancel)

	r.Clear(7)
	r.Clear(7)
	require.Zero(t, r.Len())

	// clearing does not trigger the handle
	require.NoError(t, ctx.Err())
	require.False(t, r.Signal(7))
}

func TestCancelRegistry_RegisterReplacesWithoutTriggering(t *testing.T) {
	r := NewCancelRegistry()
	first, cancelFirst := context.WithCancel(context.Background())
	second, cancelSecond := context.WithCancel(context.Background())

	r.Register(3, cancelFirst)
	r.Register(3, cancelSecond)
	require.NoError(t, first.Err())

	require.True(t, r.Signal(3))
	require.NoError(t, first.Err())
	require.Error(t, second.Err())
}
