package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/roomsync/roomsync/internal/auth"
	"github.com/roomsync/roomsync/internal/config"
	"github.com/roomsync/roomsync/internal/database"
	"github.com/roomsync/roomsync/internal/handlers"
	"github.com/roomsync/roomsync/internal/server"
	"github.com/roomsync/roomsync/internal/services"
	"github.com/roomsync/roomsync/pkg/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference room server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if port != "" {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen address, overrides PORT")
	return cmd
}

func openDatabase(ctx context.Context, cfg *config.Config) (database.Database, error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, keeping messages in memory")
		return database.NewMemoryDB(cfg.Server.HistoryLimit), nil
	}
	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	authService := auth.NewService(cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	if !authService.Enabled() {
		logger.Warn("JWT_SECRET not set, accepting any well-formed address")
	}

	hubManager := server.NewManager(db, server.Config{
		HistoryLimit: cfg.Server.HistoryLimit,
		MessageRate:  rate.Limit(cfg.Server.MessageRate),
		MessageBurst: cfg.Server.MessageBurst,
	}, server.NewMetrics(registry))
	roomService := services.NewRoomService(db, hubManager)

	router := handlers.NewRouter(
		handlers.NewRoomHandlers(roomService),
		handlers.NewWebSocketHandlers(authService, hubManager),
		registry,
	)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server started on %s", cfg.Server.Port)
		logger.Info("WebSocket endpoint: ws://localhost%s/ws/{namespace}", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hubManager.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
