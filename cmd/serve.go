package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/binwatch/binwatch/pkg/api"
	"github.com/binwatch/binwatch/pkg/auth"
	"github.com/binwatch/binwatch/pkg/config"
	"github.com/binwatch/binwatch/pkg/gateway"
	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
	"github.com/binwatch/binwatch/pkg/relay"
	"github.com/binwatch/binwatch/pkg/store"
)

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the bins API and realtime gateway",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	logger := log.ForComponent("serve")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set in %s", configPath)
	}

	nc, err := nats.Connect(cfg.Server.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("change feed disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("change feed reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to change feed at %s: %w", cfg.Server.NATSURL, err)
	}
	defer nc.Close()

	st, err := store.NewStore(cfg.Server.DatabasePath, nc, cfg.Server.ChangeSubject)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("closing store: %v", err)
		}
	}()

	registry := realtime.NewRegistry()
	verifier := auth.NewVerifier(cfg.Server.JWTSecret)

	gw := gateway.New(registry, verifier, cfg.Server.StatsInterval.Duration)
	gw.Start()
	defer gw.Stop()

	rl := relay.New(&relay.NATSFeed{Conn: nc}, cfg.Server.ChangeSubject, registry)
	rl.Start()
	defer rl.Stop()

	server := api.NewServer(st, registry, verifier)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", gw.HandleWebSocket)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.CorsMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Watch the config file so a JWT secret rotation or debug toggle applies
	// without a restart.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("closing config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
	}

	currentSecret := cfg.Server.JWTSecret
	reload := func(reason string) {
		fresh, err := config.LoadConfig(configPath)
		if err != nil {
			logger.Errorf("reloading config (%s): %v", reason, err)
			return
		}
		if fresh.Server.JWTSecret != "" && fresh.Server.JWTSecret != currentSecret {
			verifier.Rotate(fresh.Server.JWTSecret)
			currentSecret = fresh.Server.JWTSecret
			logger.Infof("JWT secret rotated (%s); existing tokens are no longer valid", reason)
		} else {
			logger.Infof("config reloaded (%s), no secret change", reason)
		}
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reload("SIGHUP")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Infof("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Warnf("http shutdown: %v", err)
				}
				return nil
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Editors often replace the file; re-add the watch.
				_ = watcher.Add(configPath)
				reload("config file changed")
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Warnf("config file watcher: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
