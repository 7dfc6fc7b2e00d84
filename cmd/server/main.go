package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/chat"
	"github.com/stupiduntilnot/promptrelay/internal/config"
	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/db"
	"github.com/stupiduntilnot/promptrelay/internal/dummy"
	"github.com/stupiduntilnot/promptrelay/internal/logging"
	"github.com/stupiduntilnot/promptrelay/internal/metrics"
	modelpkg "github.com/stupiduntilnot/promptrelay/internal/model"
	"github.com/stupiduntilnot/promptrelay/internal/openai"
	"github.com/stupiduntilnot/promptrelay/internal/server"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "promptrelay-server",
		Short:         "Relay chat and playground requests to a completion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig(envFile, cmd.Flags())
			if err != nil {
				fmt.Fprintf(os.Stderr, "[server] %v\n", err)
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[server] %v\n", err)
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, log); err != nil {
				log.WithError(err).Error("server exited")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().Int("port", 10000, "listen port (PORT)")
	cmd.Flags().String("log-level", "info", "log level (LOG_LEVEL)")
	cmd.Flags().String("log-format", "text", "log format: text or json (LOG_FORMAT)")
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig, log *logrus.Logger) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	log.WithFields(logrus.Fields{
		"instance_id":   a.instanceID,
		"provider":      cfg.ModelProvider,
		"session_store": cfg.SessionStore,
		"error_mode":    cfg.UpstreamErrorMode,
	}).Info("promptrelay starting")
	return a.server.Start(ctx, cfg.Addr())
}

// app holds the wired components of one server process.
type app struct {
	log        *logrus.Logger
	instanceID string
	database   *sql.DB
	events     *db.EventLog
	store      session.Store
	service    *chat.Service
	metrics    *metrics.Metrics
	server     *server.Server
	startedAt  time.Time
}

func newApp(cfg config.ServerConfig, log *logrus.Logger) (*app, error) {
	a := &app{
		log:        log,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}

	if cfg.DBPath != "" {
		database, err := db.OpenDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		a.database = database
		a.events, err = db.StartEventLog(database, map[string]any{
			"role":          "server",
			"pid":           os.Getpid(),
			"instance_id":   a.instanceID,
			"provider":      cfg.ModelProvider,
			"session_store": cfg.SessionStore,
		})
		if err != nil {
			log.WithError(err).Warn("event log disabled")
		}
	}

	store, err := newStore(cfg, a.database, a.onSessionExpired)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to init session store: %w", err)
	}
	a.store = store

	provider, err := newModelProvider(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to init model provider: %w", err)
	}

	a.metrics = metrics.New(store.Len)
	svcCfg := chat.Config{
		ChatModel:       cfg.ChatDefaultModel,
		PlaygroundModel: cfg.PlaygroundDefaultModel,
		Policy:          control.Policy{UpstreamTimeout: cfg.UpstreamTimeout},
		Metrics:         a.metrics,
	}
	if cfg.CircuitThreshold > 0 {
		svcCfg.Breaker = control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}
	if a.events != nil {
		svcCfg.Recorder = a.events
	}
	logger := log.WithField("instance_id", a.instanceID)
	a.service = chat.NewService(logger, store, provider, svcCfg)
	a.server = server.New(logger, a.service, a.metrics, server.Options{
		ErrorMode:      cfg.UpstreamErrorMode,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		// /api/chat is exempt; its upstream deadline starts once the session is free.
		RequestTimeout: cfg.UpstreamTimeout + 5*time.Second,
	})
	return a, nil
}

func newStore(cfg config.ServerConfig, database *sql.DB, onExpire func(id, reason string)) (session.Store, error) {
	switch cfg.SessionStore {
	case config.StoreMemory:
		return session.NewMemoryStore(cfg.SessionMaxTurns), nil
	case config.StoreLRU:
		return session.NewLRUStore(cfg.SessionMaxSessions, cfg.SessionMaxTurns, func(id string) {
			onExpire(id, "capacity")
		})
	case config.StoreTTL:
		return session.NewTTLStore(cfg.SessionTTL, uint64(cfg.SessionMaxSessions), cfg.SessionMaxTurns, func(id string) {
			onExpire(id, "ttl")
		}), nil
	case config.StoreSQLite:
		if database == nil {
			return nil, fmt.Errorf("sqlite session store requires DB_PATH")
		}
		return &session.SQLiteStore{DB: database, MaxTurns: cfg.SessionMaxTurns}, nil
	default:
		return nil, fmt.Errorf("unsupported session store: %s", cfg.SessionStore)
	}
}

func newModelProvider(cfg config.ServerConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderGroq:
		return openai.NewClient(cfg.GroqAPIKey, cfg.ChatCompletionsURL, cfg.UpstreamTimeout), nil
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

func (a *app) onSessionExpired(id, reason string) {
	a.log.WithFields(logrus.Fields{"session_id": id, "reason": reason}).Debug("session evicted")
	if a.events == nil {
		return
	}
	if err := a.events.Record(db.EventSessionExpired, map[string]any{"session_id": id, "reason": reason}); err != nil {
		a.log.WithError(err).Warn("failed to record session expiry")
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close session store")
		}
	}
	if a.events != nil {
		if err := a.events.Stop(map[string]any{
			"instance_id":    a.instanceID,
			"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		}); err != nil {
			a.log.WithError(err).Warn("failed to log process.stopped")
		}
	}
	if a.database != nil {
		a.database.Close()
	}
}
