package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/cache"
	"github.com/authgraph/rebac/storage/memory"
	"github.com/authgraph/rebac/storage/postgres"
	"github.com/authgraph/rebac/storage/sqlite3"
)

func openStorage(cfg StorageConfig) (rebac.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewMemoryStorage(), nil
	case "sqlite3":
		return sqlite3.NewSQLite3Storage(cfg.SQLitePath)
	case "postgres":
		return postgres.NewPostgresStorage(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func NewServerCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server [flags]",
		Short: "Run the authorization HTTP server",
	}

	var port int
	flags := cmd.Flags()
	flags.IntVar(&port, "port", 0, "port the server is listening on (overrides PORT)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		if port != 0 {
			cfg.Server.Port = port
		}

		storage, err := openStorage(cfg.Storage)
		if err != nil {
			return err
		}
		defer storage.Close()
		log.Info("storage ready", slog.String("backend", cfg.Storage.Backend))

		var redisClient *redis.Client
		if cfg.Redis.Addr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
			log.Info("redis cache tier enabled", slog.String("addr", cfg.Redis.Addr))
		}
		permCache := cache.New(cfg.Cache, redisClient, log.WithGroup("cache"))

		var checkerOpts []rebac.CheckerOption
		if cfg.Check.MaxDepth > 0 {
			checkerOpts = append(checkerOpts, rebac.WithMaxDepth(cfg.Check.MaxDepth))
		}
		if cfg.Check.MaxExpansion > 0 {
			checkerOpts = append(checkerOpts, rebac.WithMaxExpansion(cfg.Check.MaxExpansion))
		}
		checker := rebac.NewChecker(storage, checkerOpts...)
		authorizer := rebac.NewAuthorizer(storage, checker, permCache, log.WithGroup("authorizer"))

		if cfg.Server.Environment != "development" {
			gin.SetMode(gin.ReleaseMode)
		}
		engine := gin.New()
		engine.Use(gin.Recovery())
		NewHandler(authorizer, storage, log.WithGroup("handler")).Register(engine)

		server := http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: engine,
			BaseContext: func(l net.Listener) context.Context {
				return ctx
			},
		}

		log.Info(fmt.Sprintf("started server on 0.0.0.0:%d, http://localhost:%d", cfg.Server.Port, cfg.Server.Port))
		go func() {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("server gracefully closed")
			} else if err != nil {
				log.Error("error listening on server", slog.Any("error", err))
			}
		}()

		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error("error on server shutdown", slog.Any("error", err))
			return err
		}
		return nil
	}

	return cmd
}

// NewMigrateCmd applies the postgres schema migrations. The embedded
// backends create their schema on open and do not need it.
func NewMigrateCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [flags]",
		Short: "Run postgres schema migrations",
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		if err := postgres.RunMigrations(cfg.Storage.DatabaseURL); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	}

	return cmd
}
