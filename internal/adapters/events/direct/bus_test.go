package direct

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	_, err := b.Subscribe(context.Background(), "autonomic.audit", func(_ context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "autonomic.audit", []byte("one")))
	require.NoError(t, b.Publish(context.Background(), "autonomic.audit", []byte("two")))
	require.NoError(t, b.Publish(context.Background(), "autonomic.refine", []byte("elsewhere")))
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestBus_RedeliversUntilSuccess(t *testing.T) {
	b := New(WithRedeliveryDelay(time.Millisecond))
	defer b.Close()

	var calls atomic.Int32
	_, err := b.Subscribe(context.Background(), "t", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t", []byte("job")))
	drain(t, b)

	assert.Equal(t, int32(3), calls.Load())
}

func TestBus_MaxDeliver(t *testing.T) {
	b := New(WithMaxDeliver(3), WithRedeliveryDelay(time.Millisecond))
	defer b.Close()

	var calls atomic.Int32
	_, err := b.Subscribe(context.Background(), "t", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always fails")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t", []byte("job")))
	drain(t, b)

	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, b.Pending())
}

func TestBus_HandlerPublishesDownstream(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan string, 1)
	_, err := b.Subscribe(context.Background(), "first", func(ctx context.Context, payload []byte) error {
		return b.Publish(ctx, "second", append([]byte("via-"), payload...))
	})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "second", func(_ context.Context, payload []byte) error {
		done <- string(payload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "first", []byte("x")))
	drain(t, b)

	assert.Equal(t, "via-x", <-done)
}

func TestBus_PayloadIsCopied(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan string, 1)
	_, err := b.Subscribe(context.Background(), "t", func(_ context.Context, payload []byte) error {
		got <- string(payload)
		return nil
	})
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, b.Publish(context.Background(), "t", payload))
	copy(payload, "mutated!")
	drain(t, b)

	assert.Equal(t, "original", <-got)
}

func TestBus_StopAndClose(t *testing.T) {
	b := New()

	var calls atomic.Int32
	sub, err := b.Subscribe(context.Background(), "t", func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Stop())

	require.NoError(t, b.Publish(context.Background(), "t", []byte("nobody listens")))
	assert.Zero(t, calls.Load())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), ErrClosed)
	_, err = b.Subscribe(context.Background(), "t", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_SubscriptionEndsWithContext(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, "t", func(context.Context, []byte) error { return nil })
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs["t"]) == 0
	}, time.Second, 5*time.Millisecond)
}
