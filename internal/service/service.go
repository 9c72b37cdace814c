// Package service provides a small embeddable base for long-running
// components that have a start/stop lifecycle (the TCP front-end,
// network.Server, embeds it).
//
// The shape is the one used throughout the example corpus's reactor-style
// components: a struct embeds BaseService, implements OnStart/OnStop, and
// gets Start/Stop/IsRunning for free with consistent logging and a guard
// against double start/stop.
package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ErrAlreadyStarted is returned by Start when the service is already running.
var ErrAlreadyStarted = errors.New("service: already started")

// ErrAlreadyStopped is returned by Stop when the service is not running.
var ErrAlreadyStopped = errors.New("service: already stopped")

// Impl is implemented by concrete services embedding BaseService.
type Impl interface {
	OnStart(ctx context.Context) error
	OnStop()
}

// BaseService tracks running state and wraps an Impl's OnStart/OnStop with
// logging and idempotency guards.
type BaseService struct {
	logger  log.Logger
	name    string
	impl    Impl
	running atomic.Bool
}

// NewBaseService returns a BaseService for the given name, delegating
// lifecycle hooks to impl.
func NewBaseService(logger log.Logger, name string, impl Impl) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start transitions the service to the running state and invokes OnStart.
// It is an error to call Start on an already-running service.
func (b *BaseService) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	level.Info(b.logger).Log("msg", "starting service", "service", b.name)
	if err := b.impl.OnStart(ctx); err != nil {
		b.running.Store(false)
		return err
	}
	return nil
}

// Stop transitions the service out of the running state and invokes OnStop.
// It is an error to call Stop on a service that is not running.
func (b *BaseService) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return ErrAlreadyStopped
	}
	level.Info(b.logger).Log("msg", "stopping service", "service", b.name)
	b.impl.OnStop()
	return nil
}

// IsRunning reports whether the service is currently started.
func (b *BaseService) IsRunning() bool {
	return b.running.Load()
}
