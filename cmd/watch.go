package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/binwatch/binwatch/pkg/client"
	"github.com/binwatch/binwatch/pkg/config"
	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/notify"
	"github.com/binwatch/binwatch/pkg/realtime"
)

// WatchCommand creates the watch command
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Connect to the realtime gateway and show bin notifications",
		Action: func(ctx context.Context, c *cli.Command) error {
			return watch(ctx, c.String("config"))
		},
	}
}

func watch(ctx context.Context, configPath string) error {
	logger := log.ForComponent("watch")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	credPath, err := client.DefaultCredentialPath()
	if err != nil {
		return fmt.Errorf("resolving credential path: %w", err)
	}
	creds := client.NewFileCredentialStore(credPath)

	needsLogin := make(chan struct{}, 1)
	transport := client.NewTransport(client.Options{
		ServerURL:            cfg.Client.ServerURL,
		Credentials:          creds,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval.Duration,
		ConnectTimeout:       cfg.Client.ConnectTimeout.Duration,
		InitialBackoff:       cfg.Client.InitialBackoff.Duration,
		MaxBackoff:           cfg.Client.MaxBackoff.Duration,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		OnStateChange: func(s client.State) {
			logger.Debugf("connection state: %s", s)
		},
		OnNeedsLogin: func() {
			select {
			case needsLogin <- struct{}{}:
			default:
			}
		},
	})

	display := notify.NewTerminalDisplay(os.Stdout)
	controller := notify.NewController(display, func() {
		refreshBins(cfg.Client.ServerURL, creds, logger)
	})
	defer controller.Stop()

	sub := controller.Attach(transport)
	defer sub.Cancel()

	established := transport.On(realtime.TypeConnectionEstablished, func(f realtime.Frame) {
		logger.Infof("connected as %s", f.UserID)
	})
	defer established.Cancel()
	subscribed := transport.On(realtime.TypeSubscribed, func(f realtime.Frame) {
		logger.Infof("subscribed to %s updates", f.Topic)
	})
	defer subscribed.Cancel()

	if err := transport.Connect(); err != nil {
		if errors.Is(err, client.ErrNeedsLogin) {
			return fmt.Errorf("no valid credentials, run 'binwatch login' first")
		}
		logger.Warnf("initial connection failed, reconnecting in background: %v", err)
	}
	defer transport.Disconnect()

	fmt.Println("Watching for bin updates. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCONT)

	for {
		select {
		case <-needsLogin:
			return fmt.Errorf("session invalidated by the server, run 'binwatch login' again")
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGCONT:
				// Process resumed from the background, reconnect if needed.
				logger.Debugf("resumed, ensuring connection")
				if err := transport.Resume(); err != nil && !errors.Is(err, client.ErrGaveUp) {
					logger.Warnf("resume failed: %v", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\nStopping.")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refreshBins refetches the bin list after a change notification so the local
// view stays current.
func refreshBins(serverURL string, creds client.CredentialStore, logger *log.Logger) {
	stored, err := creds.Load()
	if err != nil || stored == nil {
		return
	}

	req, err := http.NewRequest("GET", serverURL+"/api/bins", nil)
	if err != nil {
		logger.Debugf("building refresh request: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+stored.Token)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		logger.Debugf("refreshing bins: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debugf("refreshing bins: status %d", resp.StatusCode)
		return
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		logger.Debugf("decoding bins refresh: %v", err)
		return
	}
	logger.Debugf("refreshed bin list: %d bin(s)", list.Count)
}
