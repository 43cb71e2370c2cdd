package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetryProvider_RetriesRetryable(t *testing.T) {
	fake := NewFakeProvider(4)
	fake.FailWith(&ProviderError{StatusCode: 503}, &ProviderError{StatusCode: 429})

	var delays []time.Duration
	r := WithRetry(fake, 3, 100*time.Millisecond)
	r.sleep = noSleep(&delays)

	vecs, err := r.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, 3, fake.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	assert.Equal(t, fake.Name(), r.Name())
	assert.Equal(t, 4, r.Dim())
}

func TestRetryProvider_FatalNotRetried(t *testing.T) {
	fake := NewFakeProvider(4)
	fatal := &ProviderError{StatusCode: 400, Message: "bad input"}
	fake.FailWith(fatal)

	var delays []time.Duration
	r := WithRetry(fake, 3, time.Millisecond)
	r.sleep = noSleep(&delays)

	_, err := r.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, fake.Calls())
	assert.Empty(t, delays)
}

func TestRetryProvider_GivesUp(t *testing.T) {
	fake := NewFakeProvider(4)
	for i := 0; i < 5; i++ {
		fake.FailWith(&ProviderError{StatusCode: 500})
	}

	var delays []time.Duration
	r := WithRetry(fake, 2, time.Millisecond)
	r.sleep = noSleep(&delays)

	_, err := r.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, Retryable, Classify(err))
	assert.Equal(t, 3, fake.Calls())
}

func TestRetryProvider_BackoffCapped(t *testing.T) {
	r := WithRetry(NewFakeProvider(1), 10, time.Second)
	assert.Equal(t, time.Second, r.backoff(0))
	assert.Equal(t, 8*time.Second, r.backoff(3))
	assert.Equal(t, 30*time.Second, r.backoff(9))
}

func TestRetryProvider_ContextCancelStops(t *testing.T) {
	fake := NewFakeProvider(4)
	fake.FailWith(&ProviderError{StatusCode: 500}, &ProviderError{StatusCode: 500})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := WithRetry(fake, 3, time.Hour)

	_, err := r.Embed(ctx, []string{"a"})
	require.Error(t, err)
	assert.Equal(t, 1, fake.Calls())
}
