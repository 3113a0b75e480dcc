// Package server wires a complete tandem process: shared store, broker
// transport, project sequencer with its session manager, socket gateway and
// health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/tandem/internal/broadcast"
	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/internal/config"
	"github.com/dyluth/tandem/internal/editormode"
	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/internal/gateway"
	"github.com/dyluth/tandem/internal/health"
	"github.com/dyluth/tandem/internal/holds"
	"github.com/dyluth/tandem/internal/sequencer"
	"github.com/dyluth/tandem/internal/session"
	"github.com/dyluth/tandem/pkg/collab"
)

// ShutdownTimeout bounds each shutdown step. Waiting for running handlers
// before the drain is bounded by the sequencer's ack timeout instead.
const ShutdownTimeout = 10 * time.Second

// Server is one running tandem process.
type Server struct {
	cfg       *config.TandemConfig
	store     *collab.Client
	transport *broker.Transport
	sequencer *sequencer.Sequencer
	gateway   *gateway.Gateway
	health    *health.HealthServer
	events    *eventlog.Logger

	// runCtx outlives the caller's context so accepted work survives until
	// it has been drained.
	runCtx    context.Context
	cancelRun context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// releaser breaks the construction cycle between the session manager, which
// releases project queues, and the sequencer, which needs the manager.
type releaser struct {
	seq *sequencer.Sequencer
}

func (r *releaser) Release(ctx context.Context, projectID int64) error {
	return r.seq.Release(ctx, projectID)
}

// New connects to Redis and builds every component. The caller must Serve or
// Close the result.
func New(ctx context.Context, cfg *config.TandemConfig) (*Server, error) {
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}

	store, err := collab.NewClient(redisOpts, cfg.InstanceName, cfg.Store.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("redis not accessible: %w", err)
	}

	transport, err := broker.NewTransport(redisOpts, cfg.BrokerOptions())
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		store.Close()
		transport.Close()
		return nil, err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		store:     store,
		transport: transport,
		events:    eventlog.New("server", cfg.InstanceName, "[Server]"),
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	name := s.cfg.InstanceName
	rel := &releaser{}

	manager, err := session.NewManager(
		s.cfg.SessionOptions(),
		s.store,
		editormode.New(s.store, name),
		holds.NewRegistry(s.store, name),
		broadcast.New(s.transport, s.store, name),
		rel,
	)
	if err != nil {
		return err
	}

	s.sequencer, err = sequencer.New(s.runCtx, s.cfg.SequencerOptions(), manager, s.transport)
	if err != nil {
		return err
	}
	rel.seq = s.sequencer

	s.gateway, err = gateway.New(s.cfg.GatewayOptions(), s.transport)
	if err != nil {
		return err
	}

	s.health = health.NewHealthServer(s.store, s.transport, s.sequencer, s.gateway)
	return nil
}

// Gateway returns the socket gateway.
func (s *Server) Gateway() *gateway.Gateway {
	return s.gateway
}

// Run listens on the configured addresses and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gwLn, err := net.Listen("tcp", s.cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Gateway.Listen, err)
	}
	healthLn, err := net.Listen("tcp", s.cfg.Health.Listen)
	if err != nil {
		gwLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Health.Listen, err)
	}
	return s.Serve(ctx, gwLn, healthLn)
}

// Serve runs every component on the given listeners until ctx is cancelled,
// then shuts down in order: sockets first, then accepted work is drained back
// to the broker, then connections are closed.
func (s *Server) Serve(ctx context.Context, gwLn, healthLn net.Listener) error {
	defer s.Close()

	gwServer := &http.Server{Handler: s.gateway.Router(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(s.runCtx)

	g.Go(func() error { return s.sequencer.Run(gctx, s.transport) })
	g.Go(func() error { return s.gateway.Run(gctx, s.transport) })
	g.Go(func() error { return serveHTTP(gwServer, gwLn) })
	g.Go(func() error { return s.health.Serve(healthLn) })

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		s.shutdown(gwServer)
		return nil
	})

	s.events.Info("serving", map[string]interface{}{
		"gateway": gwLn.Addr().String(),
		"health":  healthLn.Addr().String(),
		"queue":   s.transport.QueueName(),
	})

	return g.Wait()
}

func (s *Server) shutdown(gwServer *http.Server) {
	gwCtx, cancelGateway := context.WithTimeout(context.Background(), ShutdownTimeout)
	s.gateway.Shutdown(gwCtx)
	cancelGateway()

	// Freezing the sequencer waits up to one ack timeout for running
	// handlers; the republish budget starts after that.
	drained, err := s.transport.Drain(context.Background(), s.sequencer, ShutdownTimeout)
	if err != nil {
		s.events.Error("drain_failed", map[string]interface{}{"error": err.Error(), "republished": drained})
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := gwServer.Shutdown(ctx); err != nil {
		s.events.Printf("Gateway HTTP shutdown: %v", err)
	}
	if err := s.health.Shutdown(ctx); err != nil {
		s.events.Printf("Health server shutdown: %v", err)
	}

	s.cancelRun()
	s.events.Info("stopped", map[string]interface{}{"drained": drained})
}

// Close releases the connections. Serve closes on return; further calls are
// no-ops.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancelRun()
		s.closeErr = errors.Join(s.transport.Close(), s.store.Close())
	})
	return s.closeErr
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
