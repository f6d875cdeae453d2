package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/binwatch/binwatch/pkg/auth"
	"github.com/binwatch/binwatch/pkg/client"
	"github.com/binwatch/binwatch/pkg/config"
)

// LoginCommand creates the login command
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store credentials for the watch command",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User id to connect as",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Use an externally issued token instead of minting one",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Validity of the minted token",
				Value: 24 * time.Hour,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return login(c.String("config"), c.String("user"), c.String("token"), c.Duration("ttl"))
		},
	}
}

func login(configPath, userID, token string, ttl time.Duration) error {
	if token == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("server.jwt_secret is not set in %s; pass --token instead", configPath)
		}
		token, err = auth.Mint(cfg.Server.JWTSecret, userID, ttl)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
	}

	credPath, err := client.DefaultCredentialPath()
	if err != nil {
		return fmt.Errorf("resolving credential path: %w", err)
	}
	store := client.NewFileCredentialStore(credPath)
	if err := store.Save(&client.Credentials{Token: token, UserID: userID}); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	fmt.Printf("Logged in as %s, credentials stored at %s\n", userID, credPath)
	return nil
}

// LogoutCommand creates the logout command
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Remove stored credentials",
		Action: func(ctx context.Context, c *cli.Command) error {
			credPath, err := client.DefaultCredentialPath()
			if err != nil {
				return fmt.Errorf("resolving credential path: %w", err)
			}
			if err := client.NewFileCredentialStore(credPath).Clear(); err != nil {
				return fmt.Errorf("clearing credentials: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}
