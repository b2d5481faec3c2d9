// Package admin serves the host's operational HTTP endpoints: liveness, a JSON
// status document and, when enabled, net/http/pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskhost/internal/runtime/supervisor"
	"taskhost/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the admin server.
//
// A non-loopback Addr requires a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StatusFunc returns the document served at /status. It must be safe for
// concurrent use.
type StatusFunc func() any

type Server struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	status StatusFunc

	sup *supervisor.Supervisor
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if status == nil {
		status = func() any { return struct{}{} }
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.String("comp", "admin"))}
}

// Handler returns the routed endpoints with auth applied.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.status()); err != nil {
			s.log.Warn("status encode failed", logx.Err(err))
		}
	}))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

// Start binds the listener and serves until Stop or ctx ends. A failed serve
// loop restarts with backoff; a refused bind is reported once and not retried.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return errors.New("admin: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("admin server without token on non-loopback addr", logx.String("addr", addr))
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.cfg.Addr = addr
	s.sup.GoRestart("http.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Addr returns the bound address while serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down and waits for the serve loop until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("admin server stop", logx.Err(err))
	}
	s.log.Info("admin server stopped")
}

// Goroutines reports the listener goroutine stats; empty when stopped.
func (s *Server) Goroutines() supervisor.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup.Snapshot()
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
