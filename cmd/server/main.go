package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/halyard/halyard/internal/api"
	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/config"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/docs"
	"github.com/halyard/halyard/internal/gateway"
	"github.com/halyard/halyard/internal/k8s"
	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/observability"
	"github.com/halyard/halyard/internal/registry"
	"github.com/halyard/halyard/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogging(cfg.Logging)

	log.Info().Msg("Starting Halyard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	otelProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	if otelProvider != nil {
		log.Info().
			Str("endpoint", cfg.Telemetry.Endpoint).
			Str("service", cfg.Telemetry.ServiceName).
			Msg("OpenTelemetry enabled")
	}
	telemetry.InitMetrics()

	// Connect to database
	db, err := database.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	repo := database.NewRepository(db)

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret)

	encryptor, err := auth.NewTokenEncryptor(cfg.Encryption.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create token encryptor")
	}

	authMiddleware := auth.NewMiddleware(jwtManager, repo)

	// Real-time dashboard hub
	obsHub := observability.NewHub()
	defer obsHub.Close()

	// MCP session manager and per-session SSE streams
	sessionManager := gateway.NewSessionManager(repo, cfg.Session.Timeout, cfg.Session.CleanupInterval)
	defer sessionManager.Stop()

	sseManager := gateway.NewSSEManager()
	defer sseManager.Close()

	// Server catalogue. The registry owns every upstream transport; the idle
	// janitor reaps STDIO children that stop seeing traffic.
	reg := registry.New(registry.Config{
		StdioIdleTTL:  cfg.Stdio.IdleTTL,
		SweepInterval: cfg.Stdio.SweepInterval,
	})
	defer reg.Shutdown()

	// Kubernetes instance manager (optional)
	var k8sManager *k8s.Manager
	if cfg.Kubernetes.Enabled {
		var err error
		k8sManager, err = k8s.NewManager(k8s.ManagerConfig{
			Namespace:    cfg.Kubernetes.Namespace,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			ReadyWait:    cfg.Kubernetes.ReadyWait,
			IdleTTL:      cfg.Kubernetes.IdleTTL,
			MaxLifetime:  cfg.Kubernetes.MaxLifetime,
			GCInterval:   cfg.Kubernetes.GCInterval,
			MaxInstances: cfg.Kubernetes.MaxInstances,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kubernetes manager")
		}
		defer k8sManager.Shutdown()
		log.Info().Str("namespace", cfg.Kubernetes.Namespace).Msg("Kubernetes runtime enabled")
	}

	// The provisioner keeps stored servers, the live registry and kubernetes
	// instances in sync. A typed nil must not reach the interface field.
	var instances api.InstanceManager
	if k8sManager != nil {
		instances = k8sManager
	}
	provisioner := api.NewProvisioner(repo, reg, encryptor, instances, sseManager, obsHub)

	// Register stored servers, then the declarative catalogue from the
	// config file. Neither failing is fatal; bad upstreams are skipped.
	provisioner.SyncAll(ctx)
	var upstreamMu sync.Mutex
	upstreamNames := syncUpstreams(ctx, reg, cfg.Upstreams, cfg.Stdio.GracePeriod, nil)

	// Re-sync config upstreams on file changes
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			upstreamMu.Lock()
			upstreamNames = syncUpstreams(ctx, reg, next.Upstreams, next.Stdio.GracePeriod, upstreamNames)
			upstreamMu.Unlock()
			sseManager.NotifyToolsChanged()
		})
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
	}()

	// Mirror the live session count into the dashboard aggregator
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				obsHub.GetAggregator().SetActiveSessions(int64(sessionManager.Count()))
			}
		}
	}()

	mcpHandler := gateway.NewHandler(sessionManager, reg, sseManager, repo, obsHub)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// OTel HTTP middleware (wraps all routes with tracing)
	if cfg.Telemetry.Enabled {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "halyard")
		})
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposeHeaders,
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API documentation (Scalar UI + OpenAPI spec)
	r.Mount("/", docs.Handler())

	// MCP Streamable HTTP endpoint (protected)
	// Supports POST (JSON-RPC requests), GET (SSE notification stream), DELETE (session termination)
	r.Route("/mcp", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.HandleFunc("/*", mcpHandler.HandleMCP)
		r.HandleFunc("/", mcpHandler.HandleMCP)
	})

	// Legacy SSE endpoint alias for clients that look for /sse
	r.Route("/sse", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.HandleFunc("/*", mcpHandler.HandleMCP)
		r.HandleFunc("/", mcpHandler.HandleMCP)
	})

	// REST API (with timeout)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Mount("/", api.Router(repo, jwtManager, encryptor, authMiddleware, reg, provisioner, sessionManager))

		// Observability WebSocket + snapshot (auth required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Get("/observability/ws", obsHub.HandleWebSocket)
			r.Get("/observability/snapshot", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				snap := obsHub.GetAggregator().Snapshot()
				data, _ := json.Marshal(snap)
				w.Write(data)
			})
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must be 0 to support SSE (long-lived GET connections).
		// Per-route timeouts are enforced via middleware on /api routes.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if otelProvider != nil {
			otelProvider.Shutdown(shutdownCtx)
			log.Info().Msg("Telemetry shut down")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}

		cancel()
	}()

	log.Info().Str("addr", addr).Msg("Server listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

// syncUpstreams registers the config-file server catalogue and applies each
// upstream's exposure. It returns the set of config-managed names; servers
// present in previous but gone from the file are removed. Database-backed
// servers are never touched here.
func syncUpstreams(ctx context.Context, reg *registry.Registry, upstreams []config.UpstreamConfig, grace time.Duration, previous map[string]bool) map[string]bool {
	current := make(map[string]bool, len(upstreams))

	for i := range upstreams {
		u := &upstreams[i]
		current[u.Name] = true

		srv, err := registry.NewServer(upstreamServerConfig(u, grace))
		if err != nil {
			log.Error().Err(err).Str("server", u.Name).Msg("Invalid upstream config")
			continue
		}
		reg.Register(srv)

		// An explicit discover: false defers catalogue building entirely.
		discover := u.Discover == nil || *u.Discover
		if u.Expose == nil && !discover {
			continue
		}
		if err := applyUpstreamExposure(ctx, reg, srv, u.Expose); err != nil {
			log.Warn().Err(err).Str("server", u.Name).Msg("Upstream exposure failed")
		}
	}

	for name := range previous {
		if !current[name] {
			log.Info().Str("server", name).Msg("Removing upstream dropped from config")
			_ = reg.RemoveServer(name)
		}
	}
	return current
}

func upstreamServerConfig(u *config.UpstreamConfig, grace time.Duration) registry.ServerConfig {
	cfg := registry.ServerConfig{
		Name:         u.Name,
		Transport:    u.Transport,
		Enabled:      u.Enabled,
		URL:          u.URL,
		Headers:      u.Headers,
		AuthToken:    u.AuthToken,
		AuthHeader:   u.AuthHeader,
		Format:       mcp.Format(u.Format),
		ForceJSONRPC: u.ForceJSONRPC,
		Command:      u.Command,
		Args:         u.Args,
		Dir:          u.Dir,
		Grace:        grace,
		Timeout:      u.Timeout,
		MaxRetries:   u.MaxRetries,
	}
	if u.StreamURL != "" {
		cfg.Stream = mcp.StreamConfig{URL: u.StreamURL}
	}
	if len(u.Env) > 0 {
		keys := make([]string, 0, len(u.Env))
		for k := range u.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, len(keys))
		for i, k := range keys {
			env[i] = k + "=" + u.Env[k]
		}
		cfg.Env = env
	}
	return cfg
}

func applyUpstreamExposure(ctx context.Context, reg *registry.Registry, srv *registry.Server, exp *config.ExposeConfig) error {
	b := reg.Expose(srv)
	if exp != nil {
		b.Allow(exp.Allow...).Deny(exp.Deny...)
		if exp.Prefix != "" {
			b.Prefix(exp.Prefix)
		}
		if len(exp.Sources) > 0 {
			sources := make([]registry.Source, len(exp.Sources))
			for i, s := range exp.Sources {
				sources[i] = registry.Source(s)
			}
			b.Sources(sources...)
		}
		if exp.Mode != "" {
			b.Mode(registry.Mode(exp.Mode))
		}
		if s := exp.Stream; s != nil && s.Aggregate != "" {
			n := s.N
			if n == 0 {
				n = 1
			}
			b.Stream(registry.StreamPolicy{Aggregate: registry.Aggregate(s.Aggregate), N: n})
		}
	}

	names, err := b.Apply(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("server", srv.Name()).Strs("tools", names).Msg("Upstream exposed")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.TimeFieldFormat = time.RFC3339
}
