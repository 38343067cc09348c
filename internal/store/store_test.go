package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecombot/internal/delivery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "wecombot.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Migrations(t *testing.T) {
	s := testStore(t)
	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	require.NoError(t, RunMigrations(s.db, testLogger()))
	v, err = SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestSQLite_Cache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "wecom:user:U1", []byte(`{"name":"Alice"}`), time.Hour))
	v, ok, err := s.Get(ctx, "wecom:user:U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"name":"Alice"}`, string(v))

	require.NoError(t, s.Set(ctx, "wecom:user:U1", []byte(`{"name":"Bob"}`), 0))
	v, ok, err = s.Get(ctx, "wecom:user:U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"name":"Bob"}`, string(v))

	require.NoError(t, s.Delete(ctx, "wecom:user:U1"))
	_, ok, err = s.Get(ctx, "wecom:user:U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_CacheExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	now = now.Add(2 * time.Minute)
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_Deliveries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDelivery(ctx, delivery.Record{User: "U1", Tier: delivery.TierDirect, Runes: 5}))
	require.NoError(t, s.RecordDelivery(ctx, delivery.Record{
		User: "U2", Tier: delivery.TierSegmented, Runes: 4000, Segments: 3, Err: "boom",
	}))

	recs, err := s.RecentDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "U2", recs[0].User)
	assert.Equal(t, delivery.TierSegmented, recs[0].Tier)
	assert.Equal(t, 3, recs[0].Segments)
	assert.Equal(t, "boom", recs[0].Err)
	assert.Equal(t, "U1", recs[1].User)
	assert.False(t, recs[1].CreatedAt.IsZero())
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(RedisConfig{Host: "cache", Port: 6380, Password: "pw", DB: 2})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)

	opts, err = redisOptions(RedisConfig{})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts, err = redisOptions(RedisConfig{URL: "redis://example:7000/3"})
	require.NoError(t, err)
	assert.Equal(t, "example:7000", opts.Addr)
	assert.Equal(t, 3, opts.DB)

	_, err = redisOptions(RedisConfig{URL: "http://nope"})
	assert.Error(t, err)
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, RedisConfig{Host: "127.0.0.1", Port: 1, Logger: testLogger()})
	assert.Error(t, err)
}
