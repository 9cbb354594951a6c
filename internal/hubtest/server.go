// Package hubtest runs an in-process chat backend for tests: the account API
// under /api/Auth/ and a JSON hub protocol endpoint under /chathub.
package hubtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Secret   string
	TokenTTL time.Duration
	// RequireAuth rejects negotiate and hub requests without a valid token.
	RequireAuth   bool
	PingInterval  time.Duration
	ClientTimeout time.Duration
	Logger        *zap.Logger
}

type Server struct {
	*httptest.Server
	Hub      *Hub
	Accounts *Accounts

	opts        Options
	log         *zap.Logger
	unavailable atomic.Bool
	negotiated  atomic.Int64
}

func NewServer(opts Options) *Server {
	if opts.Secret == "" {
		opts.Secret = "hubtest-secret"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		Hub:      NewHub(opts.Logger.Named("hub")),
		Accounts: NewAccounts(opts.Secret, opts.TokenTTL),
		opts:     opts,
		log:      opts.Logger,
	}
	go s.Hub.Run()
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) Close() {
	s.Hub.Stop()
	s.Server.Close()
}

// AuthURL is the base URL of the account API.
func (s *Server) AuthURL() string { return s.URL + "/api/Auth/" }

// HubURL is the URL a realtime client connects to.
func (s *Server) HubURL() string { return s.URL + "/chathub" }

// SetAvailable makes negotiate and hub requests fail with 503 while false.
func (s *Server) SetAvailable(ok bool) { s.unavailable.Store(!ok) }

// Negotiations counts successful negotiate requests.
func (s *Server) Negotiations() int { return int(s.negotiated.Load()) }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/Auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.availability)
		r.Use(authMiddleware(s.Accounts, func() bool { return s.opts.RequireAuth }))
		r.Post("/chathub/negotiate", s.handleNegotiate)
		r.Get("/chathub", s.handleHub)
	})
	return r
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable.Load() {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "username, email and password are required", http.StatusBadRequest)
		return
	}
	if req.Password != req.ConfirmPassword {
		http.Error(w, "passwords do not match", http.StatusBadRequest)
		return
	}

	if err := s.Accounts.Register(req.Username, req.Email, req.Password); err != nil {
		if errors.Is(err, ErrAccountExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := s.Accounts.Login(req.Email, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	s.negotiated.Add(1)
	token := uuid.NewString()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"negotiateVersion": 1,
		"connectionId":     uuid.NewString(),
		"connectionToken":  token,
		"availableTransports": []map[string]any{
			{"transport": "WebSockets", "transferFormats": []string{"Text", "Binary"}},
		},
	})
}

func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	id, _ := identityFrom(r.Context())
	client := &Client{
		hub:           s.Hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            r.URL.Query().Get("id"),
		user:          id.Username,
		pingInterval:  s.opts.PingInterval,
		clientTimeout: s.opts.ClientTimeout,
	}
	if err := client.handshake(); err != nil {
		s.log.Debug("handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	select {
	case s.Hub.register <- client:
	case <-s.Hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
