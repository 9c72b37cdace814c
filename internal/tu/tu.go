// Package tu implements the telephone unit: a client's per-connection state
// machine, its peer relation, and its reference-counted lifecycle.
//
// A TU owns an outbound byte sink (the network connection, from the TU's
// point of view a write-only handle) and drives it through the seven-state
// FSM described by pickup, hangup, dial and chat. Two-party operations that
// touch a peer acquire both TUs' locks through lockOrdered, which derives a
// total order from each TU's monotonically assigned id -- the same
// "consistent address order" discipline used by safe_mutex_lock/unlock in
// the original C sources, expressed with a stable Go-native key instead of
// a raw pointer comparison.
package tu

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// State is one of the seven FSM states a TU can occupy.
type State int

const (
	StateOnHook State = iota
	StateRinging
	StateDialTone
	StateRingBack
	StateBusySignal
	StateConnected
	StateError
)

// String renders the state the way it is logged (not the wire encoding --
// see notifyLocked for that).
func (s State) String() string {
	switch s {
	case StateOnHook:
		return "ON_HOOK"
	case StateRinging:
		return "RINGING"
	case StateDialTone:
		return "DIAL_TONE"
	case StateRingBack:
		return "RING_BACK"
	case StateBusySignal:
		return "BUSY_SIGNAL"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

var (
	// ErrExtensionAlreadySet is returned by SetExtension when called more
	// than once on the same TU.
	ErrExtensionAlreadySet = errors.New("tu: extension already set")
	// ErrNotApplicable is returned (advisory only, never fatal) when an
	// operation has no effect because the TU is not in a state where the
	// operation applies.
	ErrNotApplicable = errors.New("tu: operation not applicable in current state")
	// ErrNoTarget is returned by Dial from DIAL_TONE when the caller could
	// not resolve a target extension; the TU transitions to ERROR. Outside
	// DIAL_TONE, Dial returns ErrNotApplicable instead.
	ErrNoTarget = errors.New("tu: no such extension")
	// ErrBusy is returned by Dial when the target is unavailable.
	ErrBusy = errors.New("tu: target busy")
)

var nextID uint64

// Outbound is the write-only byte sink a TU delivers notifications to. Any
// io.WriteCloser (a net.Conn, in production) satisfies it.
type Outbound = io.WriteCloser

// TU is a telephone unit: one client's state machine, peer relation and
// reference-counted lifecycle. The zero value is not usable; construct one
// with New.
type TU struct {
	id uint64 // stable injective key for lock ordering, assigned once at creation

	mu        sync.Mutex
	outbound  Outbound
	extension int
	state     State
	peer      *TU
	refCount  int
	destroyed bool

	logger log.Logger
}

// New creates a TU in the ON_HOOK state with an unset extension and a
// reference count of one, representing the reference the caller (the
// connection worker) holds for the lifetime of its read loop.
func New(outbound Outbound, logger log.Logger) *TU {
	return &TU{
		id:        atomic.AddUint64(&nextID, 1),
		outbound:  outbound,
		extension: -1,
		state:     StateOnHook,
		refCount:  1,
		logger:    logger,
	}
}

// Extension returns the TU's assigned extension, or -1 if unset.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extension
}

// State returns the TU's current FSM state.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetExtension assigns ext to the TU. It may be called at most once; a
// second call returns ErrExtensionAlreadySet and has no effect. On success
// it emits the TU's ON HOOK notification, matching the PBX register
// contract in spec.md's §4.2.
func (t *TU) SetExtension(ext int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.extension != -1 {
		return ErrExtensionAlreadySet
	}
	t.extension = ext
	t.notifyLocked()
	return nil
}

// Ref increments the TU's reference count.
func (t *TU) Ref() {
	t.mu.Lock()
	t.refLocked()
	t.mu.Unlock()
}

// Unref decrements the TU's reference count, destroying the TU (closing its
// outbound channel) once the count reaches zero. Per invariant I3, by the
// time a TU's count can reach zero its peer relation has already been
// cleared by whichever operation transitioned it out of a paired state, so
// destruction never has to observe or unwind a live peer.
func (t *TU) Unref() {
	t.mu.Lock()
	zero := t.unrefLocked()
	t.mu.Unlock()
	if zero {
		t.destroy()
	}
}

func (t *TU) refLocked() {
	t.refCount++
}

// unrefLocked decrements the reference count and reports whether it
// reached zero. The caller must hold t.mu and, if it returns true, must
// call t.destroy() only after releasing every lock it holds.
func (t *TU) unrefLocked() bool {
	t.refCount--
	if t.refCount < 0 {
		level.Warn(t.logger).Log("msg", "reference count underflow", "ext", t.extension)
		t.refCount = 0
	}
	return t.refCount == 0
}

func (t *TU) destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.mu.Unlock()
	_ = t.outbound.Close()
}

// Shutdown forces the TU's outbound connection closed without touching its
// reference count or state, causing the connection worker's next blocked
// read to fail. This is the per-TU half of PBX.Shutdown.
func (t *TU) Shutdown() {
	_ = t.outbound.Close()
}

// lockOrdered acquires both TUs' locks in a total order derived from their
// assigned ids, and returns a function that releases them in the mirrored
// order. Never acquire a second TU lock any other way while already
// holding one -- this primitive is the only sanctioned path, matching
// spec.md's §4.3 lock-ordering rule.
func lockOrdered(a, b *TU) func() {
	if a.id == b.id {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// notifyLocked writes the wire encoding of the TU's current state to its
// outbound channel. The caller must hold t.mu.
func (t *TU) notifyLocked() {
	var msg string
	switch t.state {
	case StateOnHook:
		msg = fmt.Sprintf("ON HOOK %d\r\n", t.extension)
	case StateConnected:
		peerExt := -1
		if t.peer != nil {
			peerExt = t.peer.extension
		}
		msg = fmt.Sprintf("CONNECTED %d\r\n", peerExt)
	case StateRinging:
		msg = "RINGING\r\n"
	case StateDialTone:
		msg = "DIAL TONE\r\n"
	case StateRingBack:
		msg = "RING BACK\r\n"
	case StateBusySignal:
		msg = "BUSY SIGNAL\r\n"
	case StateError:
		msg = "ERROR\r\n"
	default:
		msg = "ERROR\r\n"
	}
	t.writeLocked(msg)
}

// writeLocked writes raw bytes to the TU's outbound channel. The caller
// must hold t.mu, which serializes notifications per connection per
// spec.md's §5 shared-resource policy. A write failure closes the
// connection; the worker will observe this as an ordinary disconnect on its
// next read.
func (t *TU) writeLocked(msg string) {
	if _, err := io.WriteString(t.outbound, msg); err != nil {
		level.Info(t.logger).Log("msg", "write failed, closing connection", "ext", t.extension, "err", err)
		_ = t.outbound.Close()
	}
}

// Pickup takes the TU off-hook.
//
//	ON_HOOK   -> DIAL_TONE
//	RINGING   -> CONNECTED (peer, also RINGING's RING_BACK caller, -> CONNECTED)
//	other     -> no effect, self notified of current state
func (t *TU) Pickup() error {
	t.mu.Lock()
	switch t.state {
	case StateOnHook:
		t.state = StateDialTone
		t.notifyLocked()
		t.mu.Unlock()
		return nil
	case StateRinging:
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			// Lost the race to a concurrent hangup; re-notify current state.
			t.mu.Lock()
			t.notifyLocked()
			t.mu.Unlock()
			return ErrNotApplicable
		}
		unlock := lockOrdered(t, peer)
		defer unlock()
		if t.state == StateRinging && t.peer == peer {
			t.state = StateConnected
			peer.state = StateConnected
			t.notifyLocked()
			peer.notifyLocked()
			return nil
		}
		t.notifyLocked()
		return ErrNotApplicable
	default:
		t.notifyLocked()
		t.mu.Unlock()
		return ErrNotApplicable
	}
}

// unpairLocked clears the peer relation between t and peer (both already
// locked via lockOrdered) and releases the pair of references established
// at pairing time: t's pointer to peer is released by unref'ing peer, and
// peer's pointer to t is released by unref'ing t. It returns whether either
// side reached a zero reference count, for the caller to destroy after
// releasing both locks.
func unpairLocked(t, peer *TU) (tZero, peerZero bool) {
	t.peer = nil
	peer.peer = nil
	peerZero = peer.unrefLocked()
	tZero = t.unrefLocked()
	return tZero, peerZero
}

// Hangup replaces the handset.
//
//	CONNECTED         -> ON_HOOK (peer -> DIAL_TONE)
//	RINGING           -> ON_HOOK (peer, in RING_BACK, -> ON_HOOK; peer cleared both sides)
//	RING_BACK         -> ON_HOOK (peer, in RINGING, -> ON_HOOK; peer cleared both sides)
//	DIAL_TONE/BUSY/ERROR -> ON_HOOK
//	other             -> no effect, self notified of current state
func (t *TU) Hangup() error {
	t.mu.Lock()
	switch t.state {
	case StateConnected, StateRinging, StateRingBack:
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			t.mu.Lock()
			t.notifyLocked()
			t.mu.Unlock()
			return ErrNotApplicable
		}
		unlock := lockOrdered(t, peer)
		if t.peer != peer {
			// Lost the race (e.g. peer already hung up); just re-notify.
			t.notifyLocked()
			unlock()
			return ErrNotApplicable
		}
		// Read under the pair lock: the peer may have picked up meanwhile.
		wasConnected := t.state == StateConnected
		t.state = StateOnHook
		if wasConnected {
			peer.state = StateDialTone
		} else {
			peer.state = StateOnHook
		}
		tZero, peerZero := unpairLocked(t, peer)
		t.notifyLocked()
		peer.notifyLocked()
		unlock()
		if tZero {
			t.destroy()
		}
		if peerZero {
			peer.destroy()
		}
		return nil
	case StateDialTone, StateBusySignal, StateError:
		t.state = StateOnHook
		t.notifyLocked()
		t.mu.Unlock()
		return nil
	default:
		t.notifyLocked()
		t.mu.Unlock()
		return ErrNotApplicable
	}
}

// Dial initiates a call from t to target. target is nil when the caller
// (the PBX) could not resolve the dialed extension.
//
//	t not in DIAL_TONE                      -> no effect, self notified
//	target == nil                           -> t -> ERROR (only from DIAL_TONE)
//	target == t, or target unavailable      -> t -> BUSY_SIGNAL
//	otherwise                               -> t -> RING_BACK, target -> RINGING
func (t *TU) Dial(target *TU) error {
	t.mu.Lock()
	if t.state != StateDialTone {
		t.notifyLocked()
		t.mu.Unlock()
		return ErrNotApplicable
	}
	if target == nil {
		t.state = StateError
		t.notifyLocked()
		t.mu.Unlock()
		return ErrNoTarget
	}
	t.mu.Unlock()

	unlock := lockOrdered(t, target)
	defer unlock()

	// Re-validate t is still eligible: another operation may have raced in
	// between releasing t's lock above and acquiring the ordered pair.
	if t.state != StateDialTone {
		t.notifyLocked()
		return ErrNotApplicable
	}
	if t == target || target.state != StateOnHook || target.peer != nil {
		t.state = StateBusySignal
		t.notifyLocked()
		return ErrBusy
	}

	t.peer = target
	target.peer = t
	target.refLocked() // t now points to target
	t.refLocked()      // target now points to t

	t.state = StateRingBack
	target.state = StateRinging
	t.notifyLocked()
	target.notifyLocked()
	return nil
}

// Chat delivers msg to t's peer while t is CONNECTED. t's own state never
// changes; t always receives a notification of its own current state
// (CONNECTED <peer-extension> when the chat was delivered).
func (t *TU) Chat(msg string) error {
	t.mu.Lock()
	if t.state != StateConnected || t.peer == nil {
		t.notifyLocked()
		t.mu.Unlock()
		return ErrNotApplicable
	}
	peer := t.peer
	t.mu.Unlock()

	unlock := lockOrdered(t, peer)
	defer unlock()

	if t.state != StateConnected || t.peer != peer {
		t.notifyLocked()
		return ErrNotApplicable
	}
	peer.writeLocked(fmt.Sprintf("CHAT %s\r\n", msg))
	t.notifyLocked()
	return nil
}
