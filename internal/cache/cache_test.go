package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New("redis://" + s.Addr() + "/0")
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c, s
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("http://localhost:6379")
	assert.Error(t, err)
}

func TestUseBeforeConnect(t *testing.T) {
	c, err := New("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotOpen)
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	c, err := New("redis://" + addr + "/0")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Ping(ctx), ErrNotOpen)
}

func TestJSONRoundTripAndTTL(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	type sample struct {
		Open int `json:"open"`
	}
	require.NoError(t, c.SetJSON(ctx, "metrics:latest", sample{Open: 3}, time.Minute))
	assert.True(t, s.Exists(KeyPrefix+"metrics:latest"))

	var got sample
	found, err := c.GetJSON(ctx, "metrics:latest", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got.Open)

	s.FastForward(2 * time.Minute)
	found, err = c.GetJSON(ctx, "metrics:latest", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrAndPingAfterServerLoss(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "model:version")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, c.Ping(ctx))

	s.Close()
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.Error(t, c.Ping(pctx))
}
