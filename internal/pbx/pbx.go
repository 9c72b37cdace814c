// Package pbx implements the extension registry that mediates every call
// between telephone units. It owns the extension->TU mapping and the
// shutdown-drain protocol; all two-TU coordination is delegated to the tu
// package so the registry lock is never held while two TU locks are taken.
//
// Grounded on original_source/src/pbx.c's pbx_register/pbx_unregister/
// pbx_dial/pbx_shutdown, reshaped as a ref/wait/unref drain the way
// reactor.go's OnStop waits out its peer goroutines before returning.
package pbx

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/lianatorpey/pbx/internal/metrics"
	"github.com/lianatorpey/pbx/internal/tu"
)

// ErrRegistryFull is returned by Register when every extension slot is taken.
var ErrRegistryFull = errors.New("pbx: no free extension")

// ErrNotRegistered is returned by Unregister when the TU does not occupy its
// extension's slot.
var ErrNotRegistered = errors.New("pbx: extension not registered")

// ErrShuttingDown is returned by Register once Shutdown has been called.
var ErrShuttingDown = errors.New("pbx: shutting down")

// PBX is the shared registry of extension -> TU. Extensions are dense slot
// indices [0, len(slots)); a nil slot is free.
type PBX struct {
	mu      sync.Mutex
	drained *sync.Cond
	slots   []*tu.TU
	active  int
	closing bool
	logger  log.Logger
	metrics *metrics.Metrics
}

// New returns a PBX with maxExt extension slots.
func New(maxExt int, logger log.Logger, m *metrics.Metrics) *PBX {
	p := &PBX{
		slots:   make([]*tu.TU, maxExt),
		logger:  logger,
		metrics: m,
	}
	p.drained = sync.NewCond(&p.mu)
	return p
}

// Register assigns t the first free extension and returns it. The PBX holds
// one reference on t for as long as it stays registered.
func (p *PBX) Register(t *tu.TU) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return 0, ErrShuttingDown
	}
	for ext, slot := range p.slots {
		if slot == nil {
			p.slots[ext] = t
			p.active++
			t.Ref()
			if err := t.SetExtension(ext); err != nil {
				// Can only happen if t was registered twice; undo the slot.
				p.slots[ext] = nil
				p.active--
				t.Unref()
				return 0, err
			}
			if p.metrics != nil {
				p.metrics.RegisteredTotal.Inc()
				p.metrics.ActiveExtensions.Set(float64(p.active))
			}
			level.Debug(p.logger).Log("msg", "registered extension", "extension", ext)
			return ext, nil
		}
	}
	return 0, ErrRegistryFull
}

// Unregister removes t's extension from the registry and hangs it up. The
// PBX lock is released before Hangup runs, since hangup may need to acquire
// a second TU's lock and the registry must never be held across that.
func (p *PBX) Unregister(t *tu.TU) error {
	ext := t.Extension()

	p.mu.Lock()
	if ext < 0 || ext >= len(p.slots) || p.slots[ext] != t {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	p.slots[ext] = nil
	p.active--
	if p.metrics != nil {
		p.metrics.UnregisteredTotal.Inc()
		p.metrics.ActiveExtensions.Set(float64(p.active))
	}
	if p.active == 0 && p.closing {
		p.drained.Broadcast()
	}
	p.mu.Unlock()

	level.Debug(p.logger).Log("msg", "unregistered extension", "extension", ext)
	_ = t.Hangup()
	t.Unref()
	return nil
}

// Dial looks up ext and asks originator to dial the TU found there. It does
// not itself lock the two TUs together; that ordering is tu.TU's job. target
// is ref'd while p.mu is still held and unref'd once originator.Dial
// returns, so a concurrent Unregister of target can't destroy it out from
// under the call after p.mu is released.
func (p *PBX) Dial(originator *tu.TU, ext int) error {
	p.mu.Lock()
	if ext < 0 || ext >= len(p.slots) || p.slots[ext] == nil {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.CallsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		}
		return originator.Dial(nil)
	}
	target := p.slots[ext]
	target.Ref()
	p.mu.Unlock()
	defer target.Unref()

	err := originator.Dial(target)
	if p.metrics != nil {
		switch err {
		case nil:
			p.metrics.CallsTotal.WithLabelValues(metrics.OutcomeConnected).Inc()
		case tu.ErrBusy:
			p.metrics.CallsTotal.WithLabelValues(metrics.OutcomeBusy).Inc()
		case tu.ErrNoTarget:
			p.metrics.CallsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		default:
			p.metrics.CallsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		}
	}
	return err
}

// Shutdown force-disconnects every registered TU and waits for each one to
// be unregistered by its own worker goroutine, mirroring the ref-then-wait-
// then-unref drain in reactor.go's OnStop.
func (p *PBX) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	var live []*tu.TU
	for _, slot := range p.slots {
		if slot != nil {
			slot.Ref()
			live = append(live, slot)
		}
	}
	p.mu.Unlock()
	defer func() {
		for _, t := range live {
			t.Unref()
		}
	}()

	for _, t := range live {
		t.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.active > 0 {
			p.drained.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount reports the number of currently registered extensions.
func (p *PBX) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
