package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/autocrypt/account"
	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/peerstate"
)

// MaxMessageSize bounds the body of POST /api/v1/incoming.
const MaxMessageSize = 25 << 20

// Account is the subset of *account.Account the API serves.
type Account interface {
	Settings(ctx context.Context) (*account.Settings, error)
	SetPreferEncrypt(ctx context.Context, value string) error
	OwnHeader(ctx context.Context, emailadr string) (*header.Header, error)
	ProcessIncomingMail(ctx context.Context, raw io.Reader) (*account.ProcessResult, error)
	UpdateGossip(ctx context.Context, address string, keydata []byte, date time.Time) (string, *peerstate.PeerState, error)
	Peer(ctx context.Context, address string) (*peerstate.PeerState, error)
	Peers(ctx context.Context) ([]*peerstate.PeerState, error)
	Recommend(ctx context.Context, recipients ...string) (*account.RecommendationResult, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	account      Account
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
}

// New creates a new HTTP API server
func New(acct Account, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		account:      acct,
	}, nil
}

// Start runs the HTTP API server until ctx is done. Failures are reported on
// errChan.
func Start(ctx context.Context, acct Account, options ServerOptions, errChan chan error) {
	server, err := New(acct, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/account", s.handleGetAccount).Methods("GET")
	v1.HandleFunc("/account/prefer-encrypt", s.handleSetPreferEncrypt).Methods("PUT")
	v1.HandleFunc("/header/{address}", s.handleGetHeader).Methods("GET")

	v1.HandleFunc("/peers", s.handleListPeers).Methods("GET")
	v1.HandleFunc("/peers/{address}", s.handleGetPeer).Methods("GET")
	v1.HandleFunc("/peers/{address}/gossip", s.handleGossip).Methods("POST")

	v1.HandleFunc("/incoming", s.handleIncoming).Methods("POST")
	v1.HandleFunc("/recommendation", s.handleRecommendation).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

// getClientIP trusts forwarding headers; the API is expected to sit behind a
// reverse proxy that overwrites them.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps domain errors to status codes.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, consts.ErrInvalidAddress),
		errors.Is(err, consts.ErrInvalidPreference),
		errors.Is(err, consts.ErrMalformedMessage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrPeerNotFound):
		s.writeError(w, http.StatusNotFound, "Peer not found")
	case errors.Is(err, consts.ErrAccountNotInitialized):
		s.writeError(w, http.StatusServiceUnavailable, "Account not initialized")
	case errors.Is(err, consts.ErrLockTimeout):
		s.writeError(w, http.StatusServiceUnavailable, "Peer store busy, retry later")
	default:
		logger.Error("HTTP API: request failed", "operation", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

// Request/Response types

type PreferEncryptRequest struct {
	PreferEncrypt string `json:"prefer_encrypt"`
}

type RecommendationRequest struct {
	Recipients []string `json:"recipients"`
}

type GossipRequest struct {
	KeyData string    `json:"keydata"`
	Date    time.Time `json:"date"`
}

type HeaderResponse struct {
	Address string `json:"address"`
	Value   string `json:"value"`
	Line    string `json:"line"`
}

// Handler functions

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	settings, err := s.account.Settings(r.Context())
	if err != nil {
		s.writeFailure(w, "load account", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":           settings.UUID,
		"own_keyhandle":  settings.OwnKeyHandle,
		"prefer_encrypt": settings.PreferEncrypt.String(),
	})
}

func (s *Server) handleSetPreferEncrypt(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req PreferEncryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.account.SetPreferEncrypt(r.Context(), req.PreferEncrypt); err != nil {
		s.writeFailure(w, "set prefer-encrypt", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"prefer_encrypt": strings.ToLower(strings.TrimSpace(req.PreferEncrypt))})
}

func (s *Server) handleGetHeader(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	h, err := s.account.OwnHeader(r.Context(), address)
	if err != nil {
		s.writeFailure(w, "build header", err)
		return
	}
	s.writeJSON(w, http.StatusOK, HeaderResponse{
		Address: h.Addr,
		Value:   header.Encode(h),
		Line:    header.HeaderLine(h),
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.account.Peers(r.Context())
	if err != nil {
		s.writeFailure(w, "list peers", err)
		return
	}
	if peers == nil {
		peers = []*peerstate.PeerState{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"total": len(peers),
	})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := s.account.Peer(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeFailure(w, "get peer", err)
		return
	}
	s.writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req GossipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	keydata, err := base64.StdEncoding.DecodeString(req.KeyData)
	if err != nil || len(keydata) == 0 {
		s.writeError(w, http.StatusBadRequest, "keydata must be non-empty base64")
		return
	}
	if req.Date.IsZero() {
		req.Date = time.Now().UTC()
	}

	outcome, peer, err := s.account.UpdateGossip(r.Context(), mux.Vars(r)["address"], keydata, req.Date)
	if err != nil {
		s.writeFailure(w, "record gossip", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": outcome,
		"peer":    peer,
	})
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.ContentLength > MaxMessageSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}

	// The whole message is read before processing so that an oversized body
	// is rejected without touching peer state.
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read message")
		return
	}

	res, err := s.account.ProcessIncomingMail(r.Context(), bytes.NewReader(raw))
	if err != nil {
		s.writeFailure(w, "process message", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RecommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := s.account.Recommend(r.Context(), req.Recipients...)
	if err != nil {
		s.writeFailure(w, "compute recommendation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
