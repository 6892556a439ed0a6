package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassOpenGate(t *testing.T) {
	g := New()
	require.NoError(t, g.Pass(context.Background()))
	assert.False(t, g.Held())
}

func TestHoldBlocksPass(t *testing.T) {
	const injectors = 16

	g := New()
	ctx := context.Background()

	hold, err := g.Hold(ctx)
	require.NoError(t, err)
	assert.True(t, g.Held())

	var (
		holding atomic.Bool
		passed  atomic.Int32
		during  atomic.Int32
		wg      sync.WaitGroup
	)
	holding.Store(true)

	for range injectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Pass(ctx); err != nil {
				t.Errorf("pass: %v", err)
				return
			}
			if holding.Load() {
				during.Add(1)
			}
			passed.Add(1)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), passed.Load(), "no injector may pass while the gate is held")

	holding.Store(false)
	hold.Release()
	wg.Wait()

	assert.Equal(t, int32(injectors), passed.Load())
	assert.Equal(t, int32(0), during.Load())
	assert.False(t, g.Held())
}

func TestReleaseIdempotent(t *testing.T) {
	g := New()
	hold, err := g.Hold(context.Background())
	require.NoError(t, err)

	hold.Release()
	hold.Release()

	var nilHold *Hold
	nilHold.Release()

	assert.False(t, g.Held())
	assert.Equal(t, uint64(1), g.Holds())

	hold2, err := g.Hold(context.Background())
	require.NoError(t, err)
	hold2.Release()
	assert.Equal(t, uint64(2), g.Holds())
}

func TestPassCancelled(t *testing.T) {
	g := New()
	hold, err := g.Hold(context.Background())
	require.NoError(t, err)
	defer hold.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = g.Pass(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHoldWaitsForPass(t *testing.T) {
	g := New()
	first, err := g.Hold(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := g.Hold(context.Background())
		if err == nil {
			close(acquired)
			second.Release()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second hold acquired while the first was active")
	case <-time.After(30 * time.Millisecond):
	}

	first.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second hold never acquired")
	}
}
