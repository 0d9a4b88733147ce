package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/llmrelay/pkg/config"
	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/logutil"
	"github.com/lkarlslund/llmrelay/pkg/provider"
	"github.com/lkarlslund/llmrelay/pkg/relay"
)

const (
	maxRequestBodyBytes = 8 << 20
	drainTimeout        = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
)

type Server struct {
	cfg           config.ServerConfig
	resolver      *credentials.Resolver
	relay         *relay.Relay
	stats         *StatsStore
	logger        *log.Logger
	handler       http.Handler
	httpServer    *http.Server
	baseCtx       context.Context
	cancelBase    context.CancelFunc
	activeStreams atomic.Int64
	draining      atomic.Bool
}

func NewServer(cfg *config.ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	registry, err := provider.NewDefaultRegistry(provider.NewHTTPClient(cfg.Upstream.ConnectTimeout()))
	if err != nil {
		return nil, fmt.Errorf("init provider registry: %w", err)
	}
	return newServer(*cfg, registry), nil
}

func newServer(cfg config.ServerConfig, registry *provider.Registry) *Server {
	logger := logutil.Component("proxy")
	s := &Server{
		cfg:      cfg,
		resolver: credentials.NewResolver(cfg),
		relay: relay.New(registry, relay.Options{
			IdleTimeout: cfg.Upstream.IdleTimeout(),
			MaxDuration: cfg.Upstream.MaxDuration(),
			Logger:      logutil.Component("relay"),
		}),
		stats:  NewStatsStore(0),
		logger: logger,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	accessLog := middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logger.StandardLog(log.StandardLogOptions{ForceLevel: log.InfoLevel}),
		NoColor: true,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.streamLifecycleMiddleware)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/llm", func(api chi.Router) {
		api.Post("/config", s.handleConfig)
		api.Post("/stream", s.handleStream)
		api.Get("/ws", s.handleWebsocket)
		api.Get("/stats", s.handleStats)
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streams are long lived; the relay enforces its own limits.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForStop(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(err, errCh)
	}

	go func() {
		s.logger.Info("relay listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	err := s.waitForStop(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(err, errCh)
}

// waitForStop blocks until ctx is cancelled or a listener fails, then drains
// in-flight streams. Streams still running after drainTimeout are cancelled.
func (s *Server) waitForStop(ctx context.Context, errCh <-chan error) error {
	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errCh:
	}
	s.draining.Store(true)
	if !s.waitForStreamsIdle(drainTimeout) {
		s.logger.Warn("shutdown: cancelling streams still in flight", "active", s.activeStreams.Load())
	}
	s.cancelBase()
	return listenErr
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) streamLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/api/llm/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server shutting down"})
			return
		}
		if isAPIReq {
			s.activeStreams.Add(1)
			defer s.activeStreams.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForStreamsIdle(timeout time.Duration) bool {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	deadline := time.Now().Add(timeout)
	lastLog := time.Time{}
	for {
		active := s.activeStreams.Load()
		if active <= 0 {
			s.logger.Info("shutdown: relay idle")
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active request(s)", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func firstErr(err error, ch <-chan error) error {
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
