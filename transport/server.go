package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/veil/certs"
	"github.com/zsiec/veil/group"
	"github.com/zsiec/veil/pipeline"
)

// ServerConfig holds the configuration for the worker endpoint: listen
// address, TLS certificate, and the engine constructor invoked per
// connection.
type ServerConfig struct {
	Addr string
	Cert *certs.CertInfo
	Log  *slog.Logger

	// NewEngine builds the group engine backing each new session. Defaults
	// to group.NewSession.
	NewEngine func(log *slog.Logger) group.Engine
}

// Server accepts caller connections and runs one worker session per
// connection. It also serves a small REST API for session inspection and
// certificate pinning.
type Server struct {
	config ServerConfig
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a worker endpoint with the given configuration. It
// returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("transport: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("transport: Addr is required")
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.NewEngine == nil {
		config.NewEngine = func(log *slog.Logger) group.Engine {
			return group.NewSession(log)
		}
	}
	return &Server{
		config:   config,
		log:      config.Log.With("component", "transport"),
		sessions: make(map[string]*Session),
	}, nil
}

// Start listens for caller connections and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		NextProtos:   []string{NextProto},
	}

	listener, err := quic.ListenAddr(s.config.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return err
	}

	s.log.Info("worker endpoint listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	sess := newSession(conn, s.config.NewEngine(s.log), s.log)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.log.Info("caller connected", "session", sess.ID(), "remote", conn.RemoteAddr())

	err := sess.run(ctx)
	s.log.Info("caller disconnected", "session", sess.ID(), "error", err)

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// SessionInfo is the JSON-serializable summary of a live session, returned
// by the /api/sessions endpoint.
type SessionInfo struct {
	ID       string         `json:"id"`
	Remote   string         `json:"remote"`
	Commands int64          `json:"commands"`
	UptimeMs int64          `json:"uptimeMs"`
	Pipeline pipeline.Stats `json:"pipeline"`
}

// Sessions returns a snapshot of all live sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{
			ID:       sess.id,
			Remote:   sess.conn.RemoteAddr().String(),
			Commands: sess.dispatcher.Commands(),
			UptimeMs: time.Since(sess.connectedAt).Milliseconds(),
			Pipeline: sess.dispatcher.PipelineStats(),
		})
	}
	return infos
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// APIHandler returns an http.Handler for the REST API: session listing and
// the certificate hash clients pin before dialing.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	return corsMiddleware(mux)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}
