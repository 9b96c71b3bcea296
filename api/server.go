package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gregtusar/mmbot/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Trader is the part of the market maker the HTTP surface reads and controls.
type Trader interface {
	Snapshot() (monitor.Snapshot, bool)
	Halt()
	Resume()
}

type Options struct {
	Addr                string
	DisableControlPanel bool
	AdminPassword       string
	JWTSecret           string
	Gatherer            prometheus.Gatherer
}

type Server struct {
	trader Trader
	logger *logrus.Entry
	opts   Options
	auth   *Authenticator
	logins *remoteLimiter
	http   *http.Server
}

func NewServer(trader Trader, logger *logrus.Logger, opts Options) (*Server, error) {
	auth, err := NewAuthenticator(opts.AdminPassword, opts.JWTSecret)
	if err != nil {
		return nil, err
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		trader: trader,
		logger: logger.WithField("component", "api"),
		opts:   opts,
		auth:   auth,
		logins: newRemoteLimiter(loginAttempts, loginWindow),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	if !s.opts.DisableControlPanel {
		mux.HandleFunc("/api/login", s.logins.middleware(s.handleLogin))
		mux.HandleFunc("/api/control/halt", s.auth.middleware(s.handleHalt))
		mux.HandleFunc("/api/control/resume", s.auth.middleware(s.handleResume))
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithFields(logrus.Fields{
		"addr":          s.opts.Addr,
		"control_panel": !s.opts.DisableControlPanel,
	}).Info("Starting API server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if snap, ok := s.trader.Snapshot(); ok {
		response["last_tick"] = snap.Timestamp
		response["feed_stale"] = snap.FeedStale
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (monitor.Snapshot, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return monitor.Snapshot{}, false
	}
	snap, ok := s.trader.Snapshot()
	if !ok {
		http.Error(w, "No snapshot yet", http.StatusServiceUnavailable)
		return monitor.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.Position)
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.OpenOrders)
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Enabled() {
		http.Error(w, "Control panel has no admin password", http.StatusForbidden)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, expires, err := s.auth.Login(req.Password)
	if err != nil {
		s.logger.WithField("remote", r.RemoteAddr).Warn("Failed login attempt")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.WithField("remote", r.RemoteAddr).Info("Operator logged in")
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.trader.Halt()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.trader.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
