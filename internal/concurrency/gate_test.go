package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGate_LimitsConcurrency(t *testing.T) {
	g := NewGate("test", 2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = g.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while capacity is 2")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire never unblocked after release")
	}
	g.Release()
	g.Release()
}

func TestGate_UnlimitedNeverBlocks(t *testing.T) {
	g := NewGate("unlimited", 0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Acquire(ctx))
	}
}

func TestGate_AcquireRespectsContextCancellation(t *testing.T) {
	g := NewGate("test", 1)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Acquire(cctx)
	require.Error(t, err)
}
