package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solocast/webrtc-pair-relay/internal/httpserver"
	"github.com/solocast/webrtc-pair-relay/internal/metrics"
	"github.com/solocast/webrtc-pair-relay/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero values fall back to conservative defaults so tests can use struct
// literals.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins restricts browser connections. Empty allows all.
	AllowedOrigins []string

	// IdleTimeout closes connections that stop responding to pings;
	// PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueDepth       int
}

// Server implements the relay's WebSocket signaling surface on GET /ws.
//
// One registry instance serves one sender/viewer pair; a future multi-room
// deployment would map a room identifier to a registry per room.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
	}
	s.registry = NewRegistry(log, cfg.Metrics)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return httpserver.OriginAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

// Registry exposes the pair registry, mainly for tests and diagnostics.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}

	conn.SetReadLimit(s.maxMessageBytes())

	peer := newPeer(conn, s.log, s.sendQueueDepth(), s.cfg.PingInterval)
	go peer.writePump()

	h := &connHandler{
		reg:     s.registry,
		peer:    peer,
		log:     s.log.With("remote_addr", conn.RemoteAddr().String()),
		metrics: s.metrics,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond()),
			int64(s.maxMessagesPerSecond()),
		),
		idleTimeout: s.cfg.IdleTimeout,
	}
	h.run()
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxMessagesPerSecond
}

func (s *Server) sendQueueDepth() int {
	if s.cfg.SendQueueDepth <= 0 {
		return 64
	}
	return s.cfg.SendQueueDepth
}
