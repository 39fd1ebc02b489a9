package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/docsrelay/config"
	"github.com/room4-2/docsrelay/metrics"
	"github.com/room4-2/docsrelay/session"
)

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	metrics        *metrics.Metrics

	// Parent of every session context, cancelled on Shutdown
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Sessions int    `json:"sessions"`
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, m *metrics.Metrics) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		metrics:        m,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes: the websocket endpoint on / and /ws,
// plus /health and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleWebSocket)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 %s relay starting on %s", s.config.Mode, s.config.Addr())
	log.Printf("📡 WebSocket endpoint: ws://%s/", s.config.Addr())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.cancelBase()
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		log.Printf("Failed to create session: %v", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrMaxSessions) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Printf("✅ New session created: %s", clientSession.ID)

	if err := clientSession.Run(s.baseCtx); err != nil {
		log.Printf("❌ Session %s failed: %v", clientSession.ID, err)
	}

	s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	log.Printf("🔌 Session closed: %s", clientSession.ID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(HealthResponse{
		Status:   "ok",
		Mode:     s.config.Mode,
		Sessions: s.sessionManager.GetActiveSessionCount(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
