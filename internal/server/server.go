// Package server provides the HTTP API of the freva REST service.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"freva/internal/auth"
	"freva/internal/cache"
	"freva/internal/config"
	"freva/internal/databrowser"
	"freva/internal/logging"
	"freva/internal/portal"
	"freva/internal/userdata"
	"freva/internal/zarr"
)

// apiPrefix is the route prefix shared by every endpoint.
const apiPrefix = "/api/freva-nextgen"

// Authenticator verifies bearer tokens and proxies the identity server.
// Implemented by *auth.Gate.
type Authenticator interface {
	Verify(ctx context.Context, rawToken string) (*auth.TokenPayload, error)
	UserInfo(ctx context.Context, rawToken string) (*auth.UserInfo, error)
	FetchToken(ctx context.Context, req auth.TokenRequest) (*auth.Token, error)
}

// DataPortal stages datasets for zarr streaming and serves their
// metadata and chunks. Implemented by *portal.Portal.
type DataPortal interface {
	Stage(ctx context.Context, uri string) (string, error)
	Status(ctx context.Context, id string, polls int) (*cache.LoadStatus, error)
	Metadata(ctx context.Context, id string, polls int) (*zarr.Consolidated, error)
	Chunk(ctx context.Context, id, variable, chunk string, polls int) ([]byte, error)
}

// Server is the HTTP server of the freva REST service.
type Server struct {
	cfg      *config.Server
	browser  *databrowser.Facade
	ingestor *userdata.Ingestor
	gate     Authenticator
	portal   DataPortal
	limiter  *rateLimiter
	logger   *slog.Logger

	mu        sync.Mutex
	server    *http.Server
	cancel    context.CancelFunc
	cleanupWG sync.WaitGroup
	inFlight  sync.WaitGroup // tracks in-flight requests for graceful drain
	draining  atomic.Bool    // true when server is draining (rejecting new requests)
}

// New creates a new Server. ingestor and portal may be nil when their
// services are disabled.
func New(cfg *config.Server, browser *databrowser.Facade, ingestor *userdata.Ingestor,
	gate Authenticator, dataPortal DataPortal, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		browser:  browser,
		ingestor: ingestor,
		gate:     gate,
		portal:   dataPortal,
		limiter:  newRateLimiter(rate.Every(time.Second), 5),
		logger:   logging.Default(logger).With("component", "server"),
	}
}

// buildMux registers all endpoint handlers and the probe endpoints.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+apiPrefix+"/databrowser/overview", s.handleOverview)
	mux.HandleFunc("GET "+apiPrefix+"/databrowser/data-search/{flavour}/{uniq_key}",
		s.handleDataSearch)
	mux.HandleFunc("GET "+apiPrefix+"/databrowser/metadata-search/{flavour}/{uniq_key}",
		s.handleMetadataSearch)
	mux.HandleFunc("GET "+apiPrefix+"/databrowser/extended-search/{flavour}/{uniq_key}",
		s.handleExtendedSearch)
	mux.HandleFunc("GET "+apiPrefix+"/databrowser/intake-catalogue/{flavour}/{uniq_key}",
		s.handleIntakeCatalogue)
	mux.HandleFunc("GET "+apiPrefix+"/databrowser/load/{flavour}", s.authed(s.handleLoad))
	mux.HandleFunc("POST "+apiPrefix+"/databrowser/userdata", s.authed(s.handleUserDataAdd))
	mux.HandleFunc("DELETE "+apiPrefix+"/databrowser/userdata", s.authed(s.handleUserDataDelete))

	mux.HandleFunc("GET "+apiPrefix+"/auth/v2/status", s.authed(s.handleTokenStatus))
	mux.HandleFunc("GET "+apiPrefix+"/auth/v2/userinfo", s.authed(s.handleUserInfo))
	mux.HandleFunc("POST "+apiPrefix+"/auth/v2/token", s.handleToken)
	mux.HandleFunc("GET "+apiPrefix+"/auth/v2/.well-known/openid-configuration",
		s.handleOpenIDConfig)

	if s.cfg.Services["zarr-stream"] && s.portal != nil {
		mux.HandleFunc("GET "+portal.PathPrefix+"/{store}/status", s.authed(s.handleZarrStatus))
		mux.HandleFunc("GET "+portal.PathPrefix+"/{store}/.zmetadata", s.authed(s.handleZarrMetadata))
		mux.HandleFunc("GET "+portal.PathPrefix+"/{store}/.zgroup", s.authed(s.handleZarrGroup))
		mux.HandleFunc("GET "+portal.PathPrefix+"/{store}/.zattrs", s.authed(s.handleZarrAttrs))
		mux.HandleFunc("GET "+portal.PathPrefix+"/{store}/{variable}/{chunk}",
			s.authed(s.handleZarrChunk))
	}

	s.registerProbes(mux)
	return mux
}

// registerProbes adds Kubernetes liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 if ready to accept traffic
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler builds the full handler chain: mux, rate limiting on the auth
// endpoints, response compression, request tracking and h2c so HTTP/2
// works without TLS behind the reverse proxy.
func (s *Server) Handler() http.Handler {
	handler := s.trackingMiddleware(
		rateLimitMiddleware(s.limiter)(compressMiddleware(s.buildMux())))
	return h2c.NewHandler(handler, &http2.Server{})
}

// Serve starts the server on the given listener. It blocks until the
// server is stopped or an error occurs.
func (s *Server) Serve(listener net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.server = &http.Server{Handler: s.Handler()}
	server := s.server
	s.mu.Unlock()

	s.limiter.startCleanup(ctx, &s.cleanupWG, 5*time.Minute, 15*time.Minute)

	s.logger.Info("server starting", "addr", listener.Addr().String())
	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	cancel := s.cancel
	s.server = nil
	s.cancel = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	s.logger.Info("server stopping")
	s.draining.Store(true)
	s.inFlight.Wait()
	if cancel != nil {
		cancel()
	}
	s.cleanupWG.Wait()
	return server.Shutdown(ctx)
}
