// Package debughttp serves an optional operator endpoint: liveness, JSON
// snapshots of internal state and net/http/pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "tgload/internal/runtime/supervisor"
	logx "tgload/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the debug server. A non-loopback Addr requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	healthy func() error
	views   map[string]func() any
	mounts  map[string]http.Handler

	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
}

// New returns a stopped server. healthy backs /healthz; nil means always ok.
func New(log logx.Logger, healthy func() error) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, healthy: healthy, views: map[string]func() any{}, mounts: map[string]http.Handler{}}
}

// Handle exposes fn's result as JSON at /state/<name>. Register before the
// first Reconfigure.
func (s *Server) Handle(name string, fn func() any) {
	s.mu.Lock()
	s.views[strings.Trim(name, "/")] = fn
	s.mu.Unlock()
}

// Mount serves h at path behind the same token check, e.g. "/metrics".
// Register before the first Reconfigure.
func (s *Server) Mount(path string, h http.Handler) {
	s.mu.Lock()
	s.mounts[path] = h
	s.mu.Unlock()
}

// SetHealth replaces the /healthz check.
func (s *Server) SetHealth(fn func() error) {
	s.mu.Lock()
	s.healthy = fn
	s.mu.Unlock()
}

// Addr is the bound listen address, empty while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting the listener.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return nil
	}
	if running && prev.Addr == cfg.Addr && prev.Token == cfg.Token {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.start(ctx, cfg)
}

func (s *Server) start(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("debug server: non-loopback addr requires a token")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// optional; never takes the bot down
		rtsup.WithCancelOnError(false),
	)

	s.mu.Lock()
	s.sup, s.srv, s.addr = sup, srv, ln.Addr().String()
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the listener down. It is a no-op when stopped.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("debug server stopped")
}

func (s *Server) handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		healthy := s.healthy
		s.mu.Unlock()
		if healthy != nil {
			if err := healthy(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/state/", wrap(s.serveView))
	s.mu.Lock()
	for path, h := range s.mounts {
		mux.HandleFunc(path, wrap(h.ServeHTTP))
	}
	s.mu.Unlock()

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Server) serveView(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/state/"), "/")
	s.mu.Lock()
	fn, ok := s.views[name]
	var names []string
	if name == "" {
		for n := range s.views {
			names = append(names, n)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	switch {
	case name == "":
		sort.Strings(names)
		_ = enc.Encode(names)
	case !ok:
		http.NotFound(w, r)
	default:
		_ = enc.Encode(fn())
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
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
