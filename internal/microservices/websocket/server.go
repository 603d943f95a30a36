package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"pserver/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Server accepts WebSocket connections and runs one ClientConnection per
// connection, each in the goroutine net/http gave the request.
type Server struct {
	cfg        *config.Config
	Manager    *ConnectionManager
	dispatcher *Dispatcher
	logger     *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	slots   *semaphore.Weighted // nil = no connection limit
	limiter *rate.Limiter       // nil = no accept rate limit

	mu       sync.Mutex
	listener net.Listener
	stopping bool // set by Stop, guards wg.Add against a concurrent Wait

	ctx    context.Context // cancelled on Stop, handed to every dispatch
	cancel context.CancelFunc
	wg     sync.WaitGroup // one per in-flight handler
}

// constructor for Server
func NewServer(cfg *config.Config, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		Manager:    NewConnectionManager(logger),
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are local tools, not browsers on foreign origins
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}

	dispatcher.SetStrict(cfg.ErrorReplies)

	s.engine = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	r.GET("/check-conn", HealthHandler(s))

	// any other path upgrades too
	ws := WSHandler(s)
	r.GET("/", ws)
	r.NoRoute(ws)
	return r
}

// Handler exposes the HTTP handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured address. A bind failure is returned as is;
// the caller decides to give up.
func (s *Server) Listen() error {
	addr := s.cfg.ListenAddr()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("server_listening",
		"addr", l.Addr().String(),
		"remote_addr", s.cfg.RemoteAddr(),
		"max_connections", s.cfg.MaxConnections,
	)
	return nil
}

// Serve accepts connections on the bound listener until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("server is not listening")
	}
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Start binds and serves; it blocks until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting, asks every client to go away and waits for the
// handlers. Whatever is left when ctx expires is closed hard.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	s.Manager.GoingAwayAll(ctx, "server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown_timeout_closing_connections",
			"active", s.Manager.Count(),
		)
		s.Manager.CloseAllConnections()
		<-done
	}
	return err
}

// track counts one more in-flight handler, false once Stop has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// serveConn runs one upgraded connection to completion.
func (s *Server) serveConn(conn *websocket.Conn) {
	conn.SetReadLimit(s.maxMessageSize())

	client := NewClientConnection(conn, s.dispatcher, s.logger, ClientOptions{
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorReplies: s.cfg.ErrorReplies,
	})
	s.Manager.AddConnection(client)
	defer s.Manager.RemoveConnection(client)

	client.Listen(s.ctx)
}

func (s *Server) maxMessageSize() int64 {
	if s.cfg.MaxMessageSize > 0 {
		return s.cfg.MaxMessageSize
	}
	return MaxMessageSize
}
