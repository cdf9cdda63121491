package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabdoc/internal/api"
	"collabdoc/internal/config"
	"collabdoc/internal/gateway"
	"collabdoc/internal/jobs"
	"collabdoc/internal/metrics"
	"collabdoc/internal/room_management"
	"collabdoc/internal/routers"
	"collabdoc/internal/session"
	"collabdoc/internal/utils"
)

var (
	listenAndServe  = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc        = defaultExit
	exit            = os.Exit
	shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
)

func main() {
	if err := run(context.Background()); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("collab-svc: %v", err)
	exit(1)
}

// backend is the persistence gateway plus its membership check.
type backend interface {
	session.Gateway
	api.MembershipChecker
}

func openBackend(cfg *config.Config, logger *utils.Logger) (backend, func(), error) {
	switch cfg.Store {
	case config.StorePostgres, config.StoreSQLite:
		store, err := gateway.OpenStore(cfg.Store, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		client := gateway.NewHTTPClient(gateway.HTTPConfig{
			BackendURL:   cfg.BackendURL,
			AuthURL:      cfg.AuthURL,
			ClientID:     cfg.AuthClientID,
			ClientSecret: cfg.AuthClientSecret,
		}, logger)
		return client, func() {}, nil
	}
}

// run serves until ctx is cancelled, a shutdown signal arrives or the
// listener fails, then saves every open room before returning.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLoggerAt(cfg.LogLevel)
	defer logger.Sync()
	utils.SetJWTSecret(cfg.JWTSecret)
	if cfg.UsesDefaultSecret() {
		logger.Warn("using the development jwt secret; set JWT_SECRET", "env", cfg.Env)
	}

	store, closeStore, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := session.NewManager(store, logger)
	collector := metrics.New("collab", manager.Stats)
	manager.AddObserver(collector)

	handlers := api.NewHandlers(logger, manager, api.NewAdmission(store, logger))

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	// Room status outlives ctx so shutdown saves are still published.
	statusCtx, stopStatus := context.WithCancel(context.WithoutCancel(ctx))
	statusDone := make(chan struct{})
	if cfg.RedisAddr != "" {
		rooms := room_management.NewRoomManager(cfg.RedisAddr, logger)
		defer rooms.Close()
		manager.AddObserver(rooms)
		handlers.SetRoomStatusLookup(rooms)
		go func() {
			rooms.Run(statusCtx)
			close(statusDone)
		}()
		go func() {
			err := rooms.Subscribe(ctx, func(ev room_management.RoomEvent) {
				logger.Debug("peer room event", "instance", ev.Instance, "room", ev.Room.RoomID, "status", ev.Room.Status)
			})
			if err != nil {
				logger.Warn("room event subscription stopped", "error", err)
			}
		}()
	} else {
		close(statusDone)
	}
	defer func() {
		stopStatus()
		<-statusDone
	}()

	autosave := jobs.NewAutosaveJob(manager, cfg.AutosaveSchedule, manager.SaveTimeout, logger)
	if err := autosave.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           routers.New(handlers, routers.Options{CORSOrigins: cfg.CORSOrigins, Metrics: collector}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collab-svc listening", "addr", srv.Addr, "store", cfg.Store)
		serveErr <- listenAndServe(srv)
	}()

	var listenErr error
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	autosave.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	saveErr := manager.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http server shutdown", "error", err)
	}

	if listenErr != nil {
		return listenErr
	}
	if saveErr != nil {
		return saveErr
	}
	logger.Info("collab-svc stopped")
	return nil
}
