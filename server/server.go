package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/ngserver/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Server is a nailgun server. It decodes requests from each connection on that connection's goroutine
// and runs the handlers on a bounded worker pool.
type Server struct {
	logger *zap.SugaredLogger

	registry     *Registry
	listenAddr   string
	adminAddr    string
	workers      int
	maxChunkSize uint32

	ctx        context.Context
	cancel     func()
	pool       *workerPool
	dispatcher *dispatcher
	startTime  time.Time

	listenOnce    sync.Once
	listenErr     error
	listener      net.Listener
	adminListener net.Listener
	adminServer   *http.Server

	connsMut sync.Mutex
	conns    map[net.Conn]struct{}
	connWG   sync.WaitGroup
	active   atomic.Int64

	shutdownOnce sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithAdminAddr enables the admin HTTP server on addr.
func WithAdminAddr(addr string) Option {
	return func(s *Server) {
		s.adminAddr = addr
	}
}

func WithWorkers(n int) Option {
	return func(s *Server) {
		s.workers = n
	}
}

func WithMaxChunkSize(n uint32) Option {
	return func(s *Server) {
		s.maxChunkSize = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("nailgun_server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a server that dispatches to the handlers in registry.
func New(registry *Registry, opts ...Option) (*Server, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:       logger.Named("nailgun_server").Sugar(),
		registry:     registry,
		listenAddr:   fmt.Sprintf("0.0.0.0:%d", protocol.DefaultPort),
		workers:      16,
		maxChunkSize: protocol.DefaultMaxChunkSize,
		conns:        map[net.Conn]struct{}{},
		startTime:    time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", s.workers)
	}
	if s.maxChunkSize < 1 {
		return nil, errors.New("max chunk size must be positive")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = newWorkerPool(s.ctx, s.workers)
	s.dispatcher = &dispatcher{
		log:      s.logger.Named("dispatch"),
		registry: registry,
		pool:     s.pool,
	}
	return s, nil
}

// Listen binds the nailgun listener, and the admin listener if configured. Run calls it if needed.
func (s *Server) Listen() error {
	s.listenOnce.Do(func() {
		l, err := net.Listen("tcp", s.listenAddr)
		if err != nil {
			s.listenErr = fmt.Errorf("listening TCP: %w", err)
			return
		}
		s.listener = l
		if s.adminAddr == "" {
			return
		}
		al, err := net.Listen("tcp", s.adminAddr)
		if err != nil {
			l.Close()
			s.listenErr = fmt.Errorf("listening admin TCP: %w", err)
			return
		}
		s.adminListener = al
		s.adminServer = &http.Server{Handler: s.AdminHandler()}
	})
	return s.listenErr
}

// Addr returns the nailgun listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the admin listener address, or nil if there is none.
func (s *Server) AdminAddr() net.Addr {
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// Run serves until ctx is done or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Infow("nailgun server started", "Addr", s.listener.Addr().String(), "Commands", s.registry.Commands())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.acceptLoop)
	if s.adminServer != nil {
		s.logger.Infow("admin server started", "Addr", s.adminListener.Addr().String())
		g.Go(func() error {
			err := s.adminServer.Serve(s.adminListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.ctx.Done():
		}
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting conn: %w", err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		go s.ServeConn(s.ctx, conn)
	}
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// trackConn registers conn for shutdown. It reports false if the server is already shutting down.
func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	delete(s.conns, conn)
	s.connWG.Done()
}

// Stop closes the listeners and all connections and waits for connection goroutines and workers to finish.
func (s *Server) Stop() error {
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		s.connsMut.Lock()
		s.cancel()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMut.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.adminServer != nil {
			s.adminServer.Close()
		}
		if s.adminListener != nil {
			s.adminListener.Close()
		}
		s.connWG.Wait()
		s.pool.wait()
	})
}
