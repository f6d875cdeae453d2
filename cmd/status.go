package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/binwatch/binwatch/pkg/config"
)

// StatusCommand creates the status command
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show server health and realtime connection counts",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return showStatus(cfg.Client.ServerURL)
		},
	}
}

func showStatus(serverURL string) error {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	health := struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{}
	if err := getJSON(httpClient, serverURL+"/health", &health); err != nil {
		return fmt.Errorf("fetching health: %w", err)
	}

	status := struct {
		ConnectedUsers   int `json:"connected_users"`
		TotalConnections int `json:"total_connections"`
	}{}
	if err := getJSON(httpClient, serverURL+"/api/realtime/status", &status); err != nil {
		return fmt.Errorf("fetching realtime status: %w", err)
	}

	fmt.Printf("Server:      %s\n", serverURL)
	fmt.Printf("Health:      %s (version %s)\n", health.Status, health.Version)
	fmt.Printf("Users:       %d\n", status.ConnectedUsers)
	fmt.Printf("Connections: %d\n", status.TotalConnections)
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
