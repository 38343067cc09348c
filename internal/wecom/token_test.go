package wecom

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

type fakeSource struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	expires time.Duration
}

func (f *fakeSource) FetchToken(ctx context.Context) (string, time.Duration, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", 0, f.err
	}
	exp := f.expires
	if exp == 0 {
		exp = 7200 * time.Second
	}
	return "token-" + string(rune('0'+n)), exp, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(src TokenSource, clock *fakeClock) *TokenCache {
	return NewTokenCache(TokenCacheConfig{Source: src, Now: clock.Now, Logger: testLogger()})
}

func TestTokenCache_ServesCachedUntilMargin(t *testing.T) {
	src := &fakeSource{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tc := newTestCache(src, clock)
	ctx := context.Background()

	tok, err := tc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	// 7200s lifetime, 300s margin: cached up to 6899s later.
	clock.Advance(6899 * time.Second)
	tok, err = tc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, src.calls.Load())

	// Exactly at the margin the token is no longer served.
	clock.Advance(time.Second)
	tok, err = tc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestTokenCache_Invalidate(t *testing.T) {
	src := &fakeSource{}
	tc := newTestCache(src, &fakeClock{now: time.Unix(0, 0)})
	ctx := context.Background()

	_, err := tc.Get(ctx)
	require.NoError(t, err)
	_, ok := tc.Peek()
	assert.True(t, ok)

	tc.Invalidate()
	_, ok = tc.Peek()
	assert.False(t, ok)

	tok, err := tc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestTokenCache_FetchErrorNotRetried(t *testing.T) {
	src := &fakeSource{err: errors.New("network down")}
	tc := newTestCache(src, &fakeClock{now: time.Unix(0, 0)})

	_, err := tc.Get(context.Background())
	assert.ErrorIs(t, err, ErrCredentialFetch)
	assert.EqualValues(t, 1, src.calls.Load())

	_, ok := tc.Peek()
	assert.False(t, ok)
}

func TestTokenCache_ConcurrentGetSingleFetch(t *testing.T) {
	src := &fakeSource{delay: 50 * time.Millisecond}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tc := newTestCache(src, clock)

	// Prime, then move to just inside the margin so the next Gets must refresh.
	_, err := tc.Get(context.Background())
	require.NoError(t, err)
	clock.Advance(7000 * time.Second)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := tc.Get(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 2, src.calls.Load(), "one initial fetch and one refresh")
	for _, tok := range tokens {
		assert.Equal(t, "token-2", tok)
	}
}

func TestTokenCache_NoSource(t *testing.T) {
	tc := NewTokenCache(TokenCacheConfig{Logger: testLogger()})
	_, err := tc.Get(context.Background())
	assert.ErrorIs(t, err, ErrCredentialFetch)
}
