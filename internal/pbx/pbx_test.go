package pbx

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lianatorpey/pbx/internal/metrics"
	"github.com/lianatorpey/pbx/internal/tu"
)

type fakeConn struct {
	bytes.Buffer
}

func (f *fakeConn) Close() error { return nil }

func newRegistry(maxExt int) *PBX {
	return New(maxExt, log.NewNopLogger(), metrics.Noop())
}

func TestRegisterAssignsFirstFreeSlot(t *testing.T) {
	p := newRegistry(4)
	a := tu.New(&fakeConn{}, log.NewNopLogger())
	ext, err := p.Register(a)
	require.NoError(t, err)
	require.Equal(t, 0, ext)
	require.Equal(t, 1, p.ActiveCount())
}

func TestRegisterFullReturnsError(t *testing.T) {
	p := newRegistry(1)
	a := tu.New(&fakeConn{}, log.NewNopLogger())
	b := tu.New(&fakeConn{}, log.NewNopLogger())
	_, err := p.Register(a)
	require.NoError(t, err)
	_, err = p.Register(b)
	require.ErrorIs(t, err, ErrRegistryFull)
}

func TestUnregisterFreesSlotAndHangsUp(t *testing.T) {
	p := newRegistry(4)
	a := tu.New(&fakeConn{}, log.NewNopLogger())
	_, err := p.Register(a)
	require.NoError(t, err)
	require.NoError(t, a.Pickup())
	require.NoError(t, p.Unregister(a))
	require.Equal(t, 0, p.ActiveCount())
	require.Equal(t, tu.StateOnHook, a.State())
}

func TestDialUnknownExtensionErrors(t *testing.T) {
	p := newRegistry(4)
	a := tu.New(&fakeConn{}, log.NewNopLogger())
	_, err := p.Register(a)
	require.NoError(t, err)
	require.NoError(t, a.Pickup())

	err = p.Dial(a, 99)
	require.ErrorIs(t, err, tu.ErrNoTarget)
	require.Equal(t, tu.StateError, a.State())
}

func TestDialConnectsTwoRegisteredUnits(t *testing.T) {
	p := newRegistry(4)
	a := tu.New(&fakeConn{}, log.NewNopLogger())
	b := tu.New(&fakeConn{}, log.NewNopLogger())
	extA, err := p.Register(a)
	require.NoError(t, err)
	_, err = p.Register(b)
	require.NoError(t, err)

	require.NoError(t, b.Pickup())
	require.NoError(t, p.Dial(b, extA))
	require.Equal(t, tu.StateRinging, a.State())
	require.Equal(t, tu.StateRingBack, b.State())

	require.NoError(t, a.Pickup())
	require.Equal(t, tu.StateConnected, a.State())
	require.Equal(t, tu.StateConnected, b.State())
}

func TestShutdownDrainsAllRegisteredUnits(t *testing.T) {
	defer leaktest.Check(t)()

	p := newRegistry(4)
	var units []*tu.TU
	for i := 0; i < 3; i++ {
		unit := tu.New(&fakeConn{}, log.NewNopLogger())
		_, err := p.Register(unit)
		require.NoError(t, err)
		units = append(units, unit)
	}

	// Each unit's "connection worker" goroutine unregisters itself after a
	// short delay, standing in for how the network server's read loop reacts
	// to Shutdown closing the socket out from under it.
	for _, unit := range units {
		unit := unit
		go func() {
			<-shutdownSignal(unit)
			_ = p.Unregister(unit)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, 0, p.ActiveCount())
}

// shutdownSignal returns a channel closed after a fixed 20ms delay, standing
// in for a blocked read returning once TU.Shutdown closes the underlying
// channel. fakeConn has no real close-detection, so tests exercise the
// shutdown path with this delay instead of a genuine blocked read.
func shutdownSignal(unit *tu.TU) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(ch)
	}()
	return ch
}
