package dependency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDriver struct {
	connects, disconnects, pings atomic.Int32
	connectErr                   error
}

func (d *countingDriver) Connect(context.Context) error {
	d.connects.Add(1)
	return d.connectErr
}

func (d *countingDriver) Disconnect(context.Context) error {
	d.disconnects.Add(1)
	return nil
}

func (d *countingDriver) Ping(context.Context) error {
	d.pings.Add(1)
	return nil
}

func TestPingBeforeConnect(t *testing.T) {
	d := &countingDriver{}
	h := New("db", d)
	require.ErrorIs(t, h.Ping(context.Background()), ErrNotConnected)
	assert.False(t, h.Connected())
	assert.Equal(t, int32(0), d.pings.Load())
}

func TestFailedConnectLeavesHandleDisconnected(t *testing.T) {
	boom := errors.New("refused")
	d := &countingDriver{connectErr: boom}
	h := New("db", d)
	err := h.Connect(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, h.Connected())
	assert.ErrorIs(t, h.Ping(context.Background()), ErrNotConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := &countingDriver{}
	h := New("cache", d)
	require.NoError(t, h.Connect(ctx))
	require.NoError(t, h.Connect(ctx))
	assert.Equal(t, int32(1), d.connects.Load())
	require.NoError(t, h.Ping(ctx))

	require.NoError(t, h.Disconnect(ctx))
	require.NoError(t, h.Disconnect(ctx))
	assert.Equal(t, int32(1), d.disconnects.Load())
	assert.ErrorIs(t, h.Ping(ctx), ErrNotConnected)
	assert.Error(t, h.Connect(ctx), "closed handles cannot reconnect")
}

func TestDisconnectWithoutConnect(t *testing.T) {
	d := &countingDriver{}
	h := New("db", d)
	require.NoError(t, h.Disconnect(context.Background()))
	assert.Equal(t, int32(0), d.disconnects.Load())
}

func TestConcurrentPings(t *testing.T) {
	ctx := context.Background()
	d := &countingDriver{}
	h := New("db", d)
	require.NoError(t, h.Connect(ctx))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Ping(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), d.pings.Load())
}

func TestOptionalAndFuncs(t *testing.T) {
	h := New("warehouse", Funcs{}, Optional())
	assert.False(t, h.Required())
	assert.Equal(t, "warehouse", h.Name())
	require.NoError(t, h.Connect(context.Background()))
	require.NoError(t, h.Ping(context.Background()))
}
