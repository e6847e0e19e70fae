package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/pagecaster/internal/api/models"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/streams"
	"github.com/smazurov/pagecaster/internal/version"
)

const authRealm = `Basic realm="Pagecaster API"`

// Controller is the stream control surface. *streams.Controller implements it.
type Controller interface {
	Tune(ctx context.Context, req streams.TuneRequest) (*streams.TuneResult, error)
	Record(ctx context.Context, req streams.RecordRequest) (*streams.RecordResult, error)
	Stop(ctx context.Context, encoderID string) error
	StopAll(ctx context.Context)
	RestartBrowser(ctx context.Context, encoderID string) error
	Health() streams.HealthReport
}

// HealthChecker runs an on-demand browser health sweep.
type HealthChecker interface {
	CheckNow(ctx context.Context)
}

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string
	Controller   Controller
	Health       HealthChecker // optional
	EventBus     *events.Bus   // optional, enables /api/events
	VNCHandler   http.Handler  // optional, mounted at /vnc
	// PrometheusHandler is mounted at /metrics without auth when set.
	PrometheusHandler http.Handler
}

// Server is the HTTP API.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	mu         sync.Mutex
	httpServer *http.Server
	ctrl       Controller
	health     HealthChecker
	eventBus   *events.Bus
	options    *Options
	logger     *slog.Logger
}

var (
	errAuthRequired    = errors.New("authentication required")
	errAuthType        = errors.New("invalid authentication type")
	errAuthFormat      = errors.New("invalid credentials format")
	errAuthCredentials = errors.New("invalid credentials")
)

// checkCredentials validates a Basic Authorization header, falling back to a
// base64 "user:pass" auth query parameter for clients that cannot set headers
// (EventSource, websocket).
func checkCredentials(header, query, username, password string) error {
	var encoded string
	switch {
	case header != "":
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return errAuthType
		}
		encoded = header[len(prefix):]
	case query != "":
		encoded = query
	default:
		return errAuthRequired
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errAuthFormat
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return errAuthFormat
	}
	if user != username || pass != password {
		return errAuthCredentials
	}
	return nil
}

// basicAuthMiddleware enforces basic auth on operations that declare a
// security requirement.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}
		if err := checkCredentials(ctx.Header("Authorization"), ctx.Query("auth"), username, password); err != nil {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, err.Error())
			return
		}
		next(ctx)
	}
}

// requireAuth guards a plain handler with the same credentials.
func requireAuth(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkCredentials(r.Header.Get("Authorization"), r.URL.Query().Get("auth"), username, password); err != nil {
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewServer creates the API server using Go 1.22+ native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("Pagecaster API", version.String())
	config.Info.Description = "Plays web pages on HDMI encoders and records them as DVR channels"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		ctrl:     opts.Controller,
		health:   opts.Health,
		eventBus: opts.EventBus,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	authEnabled := opts.AuthUsername != "" && opts.AuthPassword != ""
	if authEnabled {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}
	if opts.VNCHandler != nil {
		vnc := opts.VNCHandler
		if authEnabled {
			vnc = requireAuth(opts.AuthUsername, opts.AuthPassword, vnc)
		}
		mux.Handle("GET /vnc", vnc)
	}

	server.registerRoutes()
	return server
}

// GetMux returns the underlying HTTP ServeMux for additional setup
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves HTTP on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting Pagecaster API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down. Long-lived connections (SSE, VNC) are closed
// when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerHealthRoutes()
	s.registerStreamRoutes()
	if s.eventBus != nil {
		s.registerSSERoutes()
	}
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
