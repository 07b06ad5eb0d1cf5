package ledger

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisMarkers(t *testing.T) (*RedisMarkers, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMarkers(client), mr
}

func TestRedisMarkersLifecycle(t *testing.T) {
	ctx := t.Context()
	m, mr := newRedisMarkers(t)

	ok, err := m.Claim(ctx, "A@Example.com ", "welcome")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "claimed", mustGet(t, mr, "notif:sent:welcome:a@example.com"))

	ok, err = m.Claim(ctx, "a@example.com", "welcome")
	require.NoError(t, err)
	assert.False(t, ok, "second claim for the same normalized recipient")

	require.NoError(t, m.Release(ctx, "a@example.com", "welcome"))
	assert.False(t, mr.Exists("notif:sent:welcome:a@example.com"))

	ok, err = m.Claim(ctx, "a@example.com", "welcome")
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")

	changed, err := m.MarkSent(ctx, "a@example.com", "welcome")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = m.MarkSent(ctx, "a@example.com", "welcome")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, m.Release(ctx, "a@example.com", "welcome"))
	assert.Equal(t, "sent", mustGet(t, mr, "notif:sent:welcome:a@example.com"), "release never drops a sent marker")

	sent, err := m.HasSent(ctx, "a@example.com", "welcome")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Zero(t, mr.TTL("notif:sent:welcome:a@example.com"), "markers never expire")

	sent, err = m.HasSent(ctx, "a@example.com", "password-reset")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestRedisMarkersMarkSentWithoutClaim(t *testing.T) {
	ctx := t.Context()
	m, _ := newRedisMarkers(t)

	changed, err := m.MarkSent(ctx, "b@example.com", "order-shipped")
	require.NoError(t, err)
	assert.True(t, changed)

	ok, err := m.Claim(ctx, "b@example.com", "order-shipped")
	require.NoError(t, err)
	assert.False(t, ok, "a sent marker blocks later claims")
}

func TestRedisMarkersReleaseWithoutMarker(t *testing.T) {
	m, _ := newRedisMarkers(t)
	require.NoError(t, m.Release(t.Context(), "c@example.com", "welcome"))
}

func TestRedisMarkersConcurrentClaim(t *testing.T) {
	m, _ := newRedisMarkers(t)
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Claim(t.Context(), "a@example.com", "welcome"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisMarkersSurfaceServerErrors(t *testing.T) {
	m, mr := newRedisMarkers(t)
	mr.SetError("LOADING dataset in memory")

	_, err := m.Claim(t.Context(), "a@example.com", "welcome")
	assert.ErrorContains(t, err, "claim marker")
	_, err = m.HasSent(t.Context(), "a@example.com", "welcome")
	assert.ErrorContains(t, err, "get marker")
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
