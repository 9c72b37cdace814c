// Package network hosts the TCP front-end: the listener, its accept loop,
// and the per-connection worker that turns line-oriented commands into
// tu.TU method calls.
//
// Grounded on the accept-loop/per-peer-goroutine shape of reactor.go's
// Reactor (service.BaseService lifecycle, one goroutine per connection,
// WaitGroup-bounded shutdown) and original_source/src/server.c's
// pbx_client_service connection handler.
package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/lianatorpey/pbx/internal/metrics"
	"github.com/lianatorpey/pbx/internal/pbx"
	"github.com/lianatorpey/pbx/internal/service"
)

// shutdownDrainTimeout bounds how long OnStop waits for every registered TU
// to unregister once force-disconnected. It is generous because it only
// needs to cover goroutine scheduling, not network RTT -- every socket was
// already closed locally before the drain starts.
const shutdownDrainTimeout = 10 * time.Second

// Server is the TCP front-end. It embeds service.BaseService for the
// Start/Stop lifecycle and tracks one goroutine per accepted connection so
// Stop can wait for all of them to exit.
type Server struct {
	*service.BaseService

	addr     string
	registry *pbx.PBX
	logger   log.Logger
	metrics  *metrics.Metrics

	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New returns a Server that will listen on addr once Start is called.
func New(addr string, registry *pbx.PBX, logger log.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
	s.BaseService = service.NewBaseService(logger, "network-server", s)
	return s
}

// OnStart opens the listener and launches the accept loop.
func (s *Server) OnStart(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(loopCtx)

	level.Info(s.logger).Log("msg", "listening", "addr", ln.Addr().String())
	return nil
}

// OnStop cancels the accept loop, closes the listener to unblock Accept,
// drains the PBX registry so every in-flight call is torn down, and waits
// for every connection worker to exit -- the same ref/wait/unref shape
// reactor.go's OnStop uses to drain its peer goroutines.
func (s *Server) OnStop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer drainCancel()
	if err := s.registry.Shutdown(drainCtx); err != nil {
		level.Warn(s.logger).Log("msg", "shutdown drain incomplete", "err", err)
	}

	s.wg.Wait()
	level.Info(s.logger).Log("msg", "server stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			level.Error(s.logger).Log("msg", "accept error", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// Addr returns the listener's bound address. Safe to call only after
// Start has returned successfully.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
