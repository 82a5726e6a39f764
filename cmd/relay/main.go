// Package main runs the duochat relay: REST API, websocket hub, and the
// storage backend selected by configuration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/duochat/relay/internal/app"
	"github.com/duochat/relay/internal/app/httpapi"
	"github.com/duochat/relay/internal/app/metrics"
	"github.com/duochat/relay/internal/app/storage/postgres"
	"github.com/duochat/relay/internal/app/storage/supabasestore"
	"github.com/duochat/relay/internal/app/system"
	"github.com/duochat/relay/internal/config"
	"github.com/duochat/relay/internal/middleware"
	"github.com/duochat/relay/internal/supabase"
	"github.com/duochat/relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/relay.yaml", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	backend := flag.String("backend", "", "storage backend: memory, supabase, postgres")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(&cfg)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Component: "relay",
		Level:     cfg.Log.Level,
		JSON:      cfg.Log.JSON,
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
}

func applyEnv(cfg *config.Config) {
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RELAY_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		cfg.Supabase.AnonKey = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		cfg.Supabase.ServiceKey = v
	}
	if v := os.Getenv("SUPABASE_JWT_SECRET"); v != "" {
		cfg.Supabase.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer redisClient.Close()
		log.WithField("addr", cfg.Redis.Addr).Info("redis connected")
	}

	application, err := app.New(stores, redisClient, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	authMW, err := buildAuth(cfg, application, log)
	if err != nil {
		return err
	}

	handlerCfg := httpapi.Config{
		Profiles:      application.Profiles,
		Conversations: application.Conversations,
		Messages:      application.Messages,
		Sessions:      application.Sessions,
		Hub:           application.Hub,
		Auth:          authMW,
		Logger:        log,
	}
	if cfg.Supabase.URL != "" {
		apiKey := cfg.Supabase.ServiceKey
		if apiKey == "" {
			apiKey = cfg.Supabase.AnonKey
		}
		sbClient, err := supabase.New(supabase.Config{URL: cfg.Supabase.URL, APIKey: apiKey})
		if err != nil {
			return fmt.Errorf("supabase client: %w", err)
		}
		handlerCfg.Avatars = sbClient.Storage()
		handlerCfg.Login = sbClient.Auth()
	}
	handler := httpapi.New(handlerCfg)

	router := mux.NewRouter()
	handler.Register(router)

	limiter := middleware.NewRateLimiter(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst, log)
	if err := attachLimiterCleanup(application, limiter); err != nil {
		return err
	}
	cors := middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	chain := cors.Handler(
		limiter.Handler(
			authMW.Handler(
				metrics.InstrumentHandler("api", router))))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	return nil
}

// attachLimiterCleanup evicts idle per-key limiters on a timer so the map
// does not grow without bound on anonymous traffic.
func attachLimiterCleanup(application *app.Application, limiter *middleware.RateLimiter) error {
	stop := make(chan struct{})
	err := application.Attach(system.FuncService{
		ServiceName: "ratelimit-cleanup",
		StartFunc: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						limiter.Cleanup(10 * time.Minute)
					}
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("attach ratelimit cleanup: %w", err)
	}
	return nil
}

// buildStores selects the persistence backend. The returned cleanup closes
// any opened connections.
func buildStores(cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		return app.Stores{}, nil, nil

	case "supabase":
		client, err := supabase.New(supabase.Config{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.ServiceKey,
		})
		if err != nil {
			return app.Stores{}, nil, fmt.Errorf("supabase client: %w", err)
		}
		store := supabasestore.New(client)
		return app.Stores{
			Profiles:      store,
			Conversations: store,
			Messages:      store,
			Sessions:      store,
		}, nil, nil

	case "postgres":
		if err := runMigrations(cfg, log); err != nil {
			return app.Stores{}, nil, err
		}
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return app.Stores{}, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return app.Stores{}, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := postgres.New(db)
		cleanup := func() { db.Close() }
		return app.Stores{
			Profiles:      store,
			Conversations: store,
			Messages:      store,
			Sessions:      store,
		}, cleanup, nil

	default:
		return app.Stores{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runMigrations(cfg config.Config, log *logger.Logger) error {
	m, err := migrate.New("file://"+cfg.Storage.Migrations, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	log.WithField("version", version).WithField("dirty", dirty).Info("migrations applied")
	return nil
}

// buildAuth wires token verification: local HS256 when the JWT secret is
// configured, otherwise remote verification against GoTrue.
func buildAuth(cfg config.Config, application *app.Application, log *logger.Logger) (*middleware.AuthMiddleware, error) {
	mwCfg := middleware.AuthConfig{
		Sessions:  application.Sessions,
		Logger:    log,
		SkipPaths: []string{"/healthz", "/metrics", "/v1/login", "/v1/ws"},
	}

	if cfg.Supabase.JWTSecret != "" {
		mwCfg.JWTSecret = []byte(cfg.Supabase.JWTSecret)
	} else {
		apiKey := cfg.Supabase.AnonKey
		if apiKey == "" {
			apiKey = cfg.Supabase.ServiceKey
		}
		client, err := supabase.New(supabase.Config{URL: cfg.Supabase.URL, APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("supabase auth client: %w", err)
		}
		log.Warn("SUPABASE_JWT_SECRET not set; verifying tokens against GoTrue")
		mwCfg.Resolver = gotrueResolver{auth: client.Auth()}
	}

	return middleware.NewAuthMiddleware(mwCfg)
}

type gotrueResolver struct {
	auth *supabase.AuthClient
}

func (r gotrueResolver) ResolveUser(ctx context.Context, accessToken string) (string, error) {
	user, err := r.auth.GetUser(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("token resolved to no user")
	}
	return user.ID, nil
}
