package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Region string             `json:"region"`
	Values map[string]float64 `json:"values"`
}

var sample = []payload{{Region: "14", Values: map[string]float64{"fair_market_value__mean": 125000}}}

func TestDigest(t *testing.T) {
	a := digest(`answer:{"q":[1]}`)
	assert.Len(t, a, 32)
	assert.Equal(t, a, digest(`answer:{"q":[1]}`))
	assert.NotEqual(t, a, digest(`answer:{"q":[2]}`))
}

func TestEncodeDecode(t *testing.T) {
	data, err := encode(sample)
	require.NoError(t, err)

	var got []payload
	require.NoError(t, decode(data, &got))
	assert.Equal(t, sample, got)

	assert.Error(t, decode([]byte("not snappy"), &got))
}

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Hour)

	var got []payload
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "k", sample))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, sample, got)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestMemory_TTLExpiration(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, 20*time.Millisecond)
	require.NoError(t, c.Set(ctx, "k", sample))

	time.Sleep(30 * time.Millisecond)
	var got []payload
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	st, _ := c.Stats(ctx)
	assert.Equal(t, 0, st.Entries)
}

func TestMemory_LRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, time.Hour)
	var got []payload

	require.NoError(t, c.Set(ctx, "a", sample))
	require.NoError(t, c.Set(ctx, "b", sample))
	// Touch a so b is the oldest.
	hit, _ := c.Get(ctx, "a", &got)
	require.True(t, hit)
	require.NoError(t, c.Set(ctx, "c", sample))

	hit, _ = c.Get(ctx, "b", &got)
	assert.False(t, hit)
	hit, _ = c.Get(ctx, "a", &got)
	assert.True(t, hit)
	hit, _ = c.Get(ctx, "c", &got)
	assert.True(t, hit)
}

func TestMemory_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, time.Hour)
	require.NoError(t, c.Set(ctx, "k", sample))
	require.NoError(t, c.Invalidate(ctx))

	var got []payload
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	st, _ := c.Stats(ctx)
	assert.Equal(t, int64(1), st.Generation)
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(50, time.Hour)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := strconv.Itoa(i % 5)
			var got []payload
			_ = c.Set(ctx, key, sample)
			_, _ = c.Get(ctx, key, &got)
			if i%7 == 0 {
				_ = c.Invalidate(ctx)
			}
		}()
	}
	wg.Wait()
	st, _ := c.Stats(ctx)
	assert.LessOrEqual(t, st.Entries, 50)
}

// fakeRedis implements Client over a map.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	fail error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedis_GetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	rc := newFakeRedis()
	c := NewRedis(rc, "", 0)

	var got []payload
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "k", sample))
	key := "spacerat:answer:0:" + digest("k")
	assert.Contains(t, rc.data, key)
	assert.Equal(t, DefaultTTL, rc.ttls[key])

	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, sample, got)

	require.NoError(t, c.Invalidate(ctx))
	assert.Equal(t, "1", rc.data["spacerat:answer:gen"])
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Generation)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
	require.NoError(t, c.Close())
}

func TestRedis_Errors(t *testing.T) {
	ctx := context.Background()
	rc := newFakeRedis()
	rc.fail = errors.New("connection refused")
	c := NewRedis(rc, "test:", time.Minute)

	var got []payload
	_, err := c.Get(ctx, "k", &got)
	assert.ErrorContains(t, err, "cache: read generation")

	rc.fail = nil
	rc.data["test:answer:gen"] = "x"
	assert.ErrorContains(t, c.Set(ctx, "k", sample), "bad generation")
}
