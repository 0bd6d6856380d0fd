package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/metrics"
	"github.com/chatgate/chatgate/internal/queue"
	"github.com/chatgate/chatgate/internal/store"
)

// Dispatcher accepts chat requests for serialized processing
type Dispatcher interface {
	Enqueue(entry *queue.Entry) error
}

// Server is the WebSocket gateway: it authenticates connections, forwards
// chat events to the dispatcher and fans results back out to every live
// connection of the originating user.
type Server struct {
	cfg   *config.Config
	store *store.Store
	hub   *Hub

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	dispatcher Dispatcher
	running    bool
}

// NewServer creates the gateway server. The dispatcher is wired afterwards
// via SetDispatcher because the dispatcher's delivery callback points back
// at this server.
func NewServer(cfg *config.Config, st *store.Store) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		hub:   NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetDispatcher wires the request dispatcher
func (s *Server) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// getDispatcher returns the wired dispatcher
func (s *Server) getDispatcher() Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP routing table
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)
	router.POST("/api/login", s.handleLogin)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// Start begins serving. Non-blocking; errors from the listener are logged.
func (s *Server) Start() error {
	if s.getDispatcher() == nil {
		return fmt.Errorf("dispatcher is not set")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("gateway: listening on %s", s.cfg.Server.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway: HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop closes all connections and shuts the HTTP server down
func (s *Server) Stop() error {
	logger.Info("gateway: stopping")

	s.hub.Shutdown()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// DeliverResult pushes a finished invocation result to every live connection
// of the user. Connections that have since closed are silently skipped; with
// no connections left the result is dropped and only the transcript remains.
func (s *Server) DeliverResult(userID string, result *queue.Result) {
	var event *Event
	if result.Err != "" {
		event = errorEvent(result.Err)
	} else {
		event = &Event{
			Type:     EventTypeAIResponse,
			Content:  result.Content,
			Metadata: result.Metadata,
		}
	}

	delivered := s.hub.DeliverToUser(userID, event)
	if delivered == 0 {
		logger.Debug("gateway: no live connections for user %s, result dropped", userID)
	}
}

// handleWebSocket upgrades the connection and performs the authentication
// handshake. The bearer token travels in the connection-establishment
// parameters: a `token` query parameter or an Authorization header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.hub.ClientCount() >= s.cfg.Server.MaxConnections {
		logger.Warn("gateway: connection limit reached, rejecting %s", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("gateway: failed to upgrade connection: %v", err)
		return
	}

	client := newClient(s, conn)
	s.hub.Register(client)

	if user, ok := s.authenticate(r); ok {
		client.UserID = user.ID
		client.Username = user.Username
		client.authenticated = true
		s.hub.Bind(client)
		client.trySend(connectedEvent(user.ID, user.Username))
		logger.Info("gateway: client %s authenticated as %s", client.ID, user.Username)
	} else {
		metrics.AuthFailures.Inc()
		client.trySend(errorEvent("not authenticated"))
		logger.Warn("gateway: client %s failed authentication", client.ID)
	}

	go client.writePump()
	go client.readPump()
}

// authenticate extracts the bearer token from the handshake request and
// validates it. Any failure, malformed token included, maps to not
// authenticated.
func (s *Server) authenticate(r *http.Request) (*store.User, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
	}
	if token == "" {
		return nil, false
	}
	return s.store.ValidateSession(token)
}

// handleHealth is the liveness probe: reports the connected-client count
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// loginRequest is the sign-in payload
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries the freshly minted session token
type loginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// handleLogin verifies credentials and creates a session. This is the one
// place a session is minted; the WebSocket handshake only validates.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.store.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		logger.Warn("gateway: failed login for %q: %v", req.Username, err)
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	ttl := time.Duration(s.cfg.Auth.SessionTTLHours) * time.Hour
	token, err := s.store.CreateSession(user.ID, ttl)
	if err != nil {
		logger.Error("gateway: failed to create session for %s: %v", user.Username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
	})
}
