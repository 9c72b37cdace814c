package tu

import (
	"bytes"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
)

// fakeOutbound is an in-memory io.WriteCloser standing in for a net.Conn.
type fakeOutbound struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeOutbound) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, bytes.ErrTooLarge
	}
	return f.buf.Write(p)
}

func (f *fakeOutbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutbound) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func newTestTU(t *testing.T) (*TU, *fakeOutbound) {
	t.Helper()
	out := &fakeOutbound{}
	return New(out, log.NewNopLogger()), out
}

func TestPickupFromOnHook(t *testing.T) {
	unit, out := newTestTU(t)
	require.NoError(t, unit.Pickup())
	require.Equal(t, StateDialTone, unit.State())
	require.Contains(t, out.String(), "DIAL TONE\r\n")
}

func TestHangupFromDialTone(t *testing.T) {
	unit, _ := newTestTU(t)
	require.NoError(t, unit.Pickup())
	require.NoError(t, unit.Hangup())
	require.Equal(t, StateOnHook, unit.State())
}

func TestDialAndPickupConnects(t *testing.T) {
	a, aOut := newTestTU(t)
	b, bOut := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))

	require.NoError(t, a.Pickup())
	require.NoError(t, a.Dial(b))
	require.Equal(t, StateRingBack, a.State())
	require.Equal(t, StateRinging, b.State())
	require.Contains(t, bOut.String(), "RINGING\r\n")

	require.NoError(t, b.Pickup())
	require.Equal(t, StateConnected, a.State())
	require.Equal(t, StateConnected, b.State())
	require.Contains(t, aOut.String(), "CONNECTED 5\r\n")
	require.Contains(t, bOut.String(), "CONNECTED 4\r\n")
}

func TestChatDeliversToPeerOnly(t *testing.T) {
	a, aOut := newTestTU(t)
	b, bOut := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))
	require.NoError(t, a.Pickup())
	require.NoError(t, a.Dial(b))
	require.NoError(t, b.Pickup())

	require.NoError(t, a.Chat("hello"))
	require.Contains(t, bOut.String(), "CHAT hello\r\n")
	require.NotContains(t, aOut.String(), "CHAT")
	require.Contains(t, aOut.String(), "CONNECTED 5\r\n")
	require.Equal(t, StateConnected, a.State())
}

func TestSelfDialIsBusy(t *testing.T) {
	unit, _ := newTestTU(t)
	require.NoError(t, unit.SetExtension(4))
	require.NoError(t, unit.Pickup())
	err := unit.Dial(unit)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, StateBusySignal, unit.State())
}

func TestDialBusyTargetDoesNotNotifyTarget(t *testing.T) {
	a, _ := newTestTU(t)
	b, bOut := newTestTU(t)
	c, _ := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))
	require.NoError(t, c.SetExtension(6))

	require.NoError(t, a.Pickup())
	require.NoError(t, a.Dial(b))
	require.NoError(t, b.Pickup()) // a <-> b CONNECTED

	require.NoError(t, c.Pickup())
	before := bOut.String()
	err := c.Dial(b)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, StateConnected, b.State())
	require.Equal(t, before, bOut.String())
}

func TestDialNoTargetGoesToError(t *testing.T) {
	unit, _ := newTestTU(t)
	require.NoError(t, unit.Pickup())
	err := unit.Dial(nil)
	require.ErrorIs(t, err, ErrNoTarget)
	require.Equal(t, StateError, unit.State())
}

func TestCallerAbandonsBeforePickup(t *testing.T) {
	a, aOut := newTestTU(t)
	b, bOut := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))
	require.NoError(t, a.Pickup())
	require.NoError(t, a.Dial(b))

	require.NoError(t, a.Hangup())
	require.Equal(t, StateOnHook, a.State())
	require.Equal(t, StateOnHook, b.State())
	require.Contains(t, aOut.String(), "ON HOOK 4\r\n")
	require.Contains(t, bOut.String(), "ON HOOK 5\r\n")
}

func TestHangupWhileConnectedReturnsPeerToDialTone(t *testing.T) {
	a, _ := newTestTU(t)
	b, bOut := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))
	require.NoError(t, a.Pickup())
	require.NoError(t, a.Dial(b))
	require.NoError(t, b.Pickup())

	require.NoError(t, a.Hangup())
	require.Equal(t, StateDialTone, b.State())
	require.Contains(t, bOut.String(), "DIAL TONE\r\n")
}

func TestRefCountDestroysOnZero(t *testing.T) {
	unit, out := newTestTU(t)
	unit.Ref()
	unit.Unref()
	require.False(t, out.closed)
	unit.Unref()
	require.True(t, out.closed)
}

func TestSetExtensionOnlyOnce(t *testing.T) {
	unit, _ := newTestTU(t)
	require.NoError(t, unit.SetExtension(4))
	require.ErrorIs(t, unit.SetExtension(5), ErrExtensionAlreadySet)
	require.Equal(t, 4, unit.Extension())
}

func TestSimultaneousDialsResolveWithoutDeadlock(t *testing.T) {
	a, _ := newTestTU(t)
	b, _ := newTestTU(t)
	require.NoError(t, a.SetExtension(4))
	require.NoError(t, b.SetExtension(5))
	require.NoError(t, a.Pickup())
	require.NoError(t, b.Pickup())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = a.Dial(b)
	}()
	go func() {
		defer wg.Done()
		errs[1] = b.Dial(a)
	}()
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one of the two simultaneous dials should succeed")
}
