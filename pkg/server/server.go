// Package server exposes the document synchronization engine over WebSocket.
//
// One route carries all traffic: GET {basePath}/doc/{documentID} upgrades to
// a WebSocket and hands the socket to a per-connection handler. The handler
// speaks the protocol package's message set and talks to the engine through
// the DocumentService interface, so single-node and sharded deployments share
// all connection code.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/pkg/auth"
	"github.com/marmos91/mimic/pkg/metrics"
	"github.com/marmos91/mimic/pkg/schema"
)

// DefaultBasePath prefixes the document route when Config.BasePath is empty.
const DefaultBasePath = "/mimic"

// Config wires a server. Service, Schema and Auth are required.
type Config struct {
	Service DocumentService
	Schema  schema.Schema
	Auth    auth.Provider

	// BasePath prefixes the document route.
	BasePath string

	// Presence enables the presence message set. Disabled, presence_set
	// frames are ignored and no presence_snapshot is sent on auth.
	Presence bool

	// HeartbeatInterval is the server ping cadence; HeartbeatTimeout is how
	// long after an expected pong the connection is considered dead.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// SendQueueSize bounds the per-connection outbound queue.
	SendQueueSize int
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

func (c Config) validate() error {
	if c.Service == nil {
		return fmt.Errorf("server config: document service is required")
	}
	if c.Schema == nil {
		return fmt.Errorf("server config: schema is required")
	}
	if c.Auth == nil {
		return fmt.Errorf("server config: auth provider is required")
	}
	return nil
}

// Server upgrades sockets and runs connection handlers.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds a server from the config.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token-based auth happens in-band after the upgrade; the
			// origin check adds nothing for non-browser clients and is
			// left to a fronting proxy for browser deployments.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Router returns the HTTP route table: the document WebSocket route plus
// liveness and metrics endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get(s.cfg.BasePath+"/doc/{documentID}", s.handleDocument)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if documentID == "" {
		http.Error(w, "Missing document ID in path", http.StatusBadRequest)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a WebSocket upgrade request", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logger.Warn("websocket upgrade failed",
			logger.KeyDocument, documentID,
			logger.KeyClientIP, r.RemoteAddr,
			logger.KeyError, err)
		return
	}

	c := newConnection(s.cfg, documentID, ws, r.RemoteAddr)
	c.run(r.Context())
}
