package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/authz"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()

	var (
		addr           string
		dsn            string
		signingKey     string
		allowedOrigins []string
		internalToken  string
		authzURL       string
		authzToken     string
		hubConfig      string
		logLevel       string
	)

	flags := pflag.NewFlagSet("collab-server", pflag.ExitOnError)
	flags.StringVar(&addr, "addr", getEnv("COLLAB_ADDR", "localhost:8000"), "server address")
	flags.StringVar(&dsn, "dsn", getEnv("COLLAB_DSN", "collab.db"), "postgres connection string or sqlite path")
	flags.StringVar(&signingKey, "signing-key", getEnv("COLLAB_SIGNING_KEY", defaultSigningKey), "base64 encoded JWT signing key")
	flags.StringSliceVar(&allowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS and websockets")
	flags.StringVar(&internalToken, "internal-token", getEnv("COLLAB_INTERNAL_TOKEN", ""), "bearer token for the /internal endpoints")
	flags.StringVar(&authzURL, "authz-url", getEnv("COLLAB_AUTHZ_URL", ""), "CRUD service endpoint deciding group joins; empty allows all")
	flags.StringVar(&authzToken, "authz-token", getEnv("COLLAB_AUTHZ_TOKEN", ""), "bearer token sent to the authz endpoint")
	flags.StringVar(&hubConfig, "hub-config", getEnv("COLLAB_HUB_CONFIG", ""), "YAML file with hub tuning")
	flags.StringVar(&logLevel, "log-level", getEnv("COLLAB_LOG_LEVEL", "info"), "log level")
	flags.Parse(os.Args[1:])

	if len(allowedOrigins) == 0 {
		if v := getEnv("COLLAB_ALLOWED_ORIGINS", ""); v != "" {
			flags.Set("allowed-origins", v)
		}
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	cfg.InternalToken = internalToken
	cfg.AuthzURL = authzURL
	cfg.AuthzToken = authzToken

	cfg.Hub, err = config.LoadHubSettings(hubConfig)
	if err != nil {
		logger.Fatal("hub settings", zap.Error(err))
	}

	if err := database.Migrate(cfg.DatabaseDriver, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	dbConn, err := database.NewDatabaseConnection(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	logger.Info("database ready", zap.String("driver", dbConn.Driver()))
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	var authorizer authz.Authorizer = authz.AllowAll{}
	if cfg.AuthzURL != "" {
		authorizer = authz.NewHTTPAuthorizer(cfg.AuthzURL, cfg.AuthzToken,
			&http.Client{Timeout: 5 * time.Second},
			cfg.Hub.AuthzCacheSize, cfg.Hub.AuthzCacheTTL, logger)
	} else {
		logger.Warn("no authz endpoint configured, every group join is allowed")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	hub := server.NewHub(logger, dbConn, authorizer, statsUpdater, cfg.Hub)

	srv := api.NewCollabApp(mux, logger, hub, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	hub.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.Stringer("signal", sig))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down hub")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Error("hub shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
