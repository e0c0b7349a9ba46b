// Package httpserver serves the diagnostics endpoints: Prometheus metrics,
// active jobs, recent runs, supervisor health and optionally pprof.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"devpoll/internal/observability/metrics"
	"devpoll/internal/poll"
	"devpoll/internal/runtime/supervisor"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	DefaultAddr     = "127.0.0.1:9108"
	shutdownTimeout = 5 * time.Second
)

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources feeds the JSON endpoints. Nil members serve empty results.
type Sources struct {
	ActiveJobs func() []poll.ActiveJob
	IdleCount  func() int
	Health     func() supervisor.Snapshot
	Runs       *RecentRuns
}

type Server struct {
	cfg Config
	src Sources
	log logx.Logger
	mux *http.ServeMux
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	s := &Server{cfg: cfg, src: src, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	wrap := func(h http.Handler) http.Handler { return withAuth(s.cfg.Token, h) }

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", wrap(metrics.Handler()))
	s.mux.Handle("/debug/jobs", wrap(http.HandlerFunc(s.handleJobs)))
	s.mux.Handle("/debug/runs", wrap(http.HandlerFunc(s.handleRuns)))

	if s.cfg.Pprof {
		s.mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		s.mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		s.mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		s.mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		s.mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("http server refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return errors.Newf("http server refused to start: insecure bind %s", addr)
		}
		s.log.Warn("http server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	listenAddr := ln.Addr().String()
	s.log.Info("http server started",
		logx.String("addr", listenAddr),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s/debug/jobs", listenAddr)),
	)

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		s.log.Info("http server stopped")
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return errors.Wrap(err, "http serve")
}

type healthResponse struct {
	Status string              `json:"status"`
	Time   time.Time           `json:"time"`
	Health supervisor.Snapshot `json:"supervisor"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC()}
	code := http.StatusOK
	if s.src.Health != nil {
		resp.Health = s.src.Health()
		if resp.Health.FirstError != "" {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type activeJob struct {
	DeviceID       int64   `json:"netboxid"`
	Sysname        string  `json:"sysname"`
	Job            string  `json:"job"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
}

type jobsResponse struct {
	Active []activeJob `json:"active"`
	Idle   int         `json:"idle"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	resp := jobsResponse{Active: []activeJob{}}
	if s.src.ActiveJobs != nil {
		for _, j := range s.src.ActiveJobs() {
			resp.Active = append(resp.Active, activeJob{
				DeviceID:       j.DeviceID,
				Sysname:        j.Sysname,
				Job:            j.Job,
				RuntimeSeconds: j.Runtime.Seconds(),
			})
		}
	}
	if s.src.IdleCount != nil {
		resp.Idle = s.src.IdleCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.src.Runs.Snapshot(r.URL.Query().Get("job"))
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == token {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
