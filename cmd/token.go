package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/binwatch/binwatch/pkg/auth"
	"github.com/binwatch/binwatch/pkg/config"
)

// TokenCommand creates the token command, a development helper that mints a
// connection token signed with the configured server secret.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a connection token (development helper)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User id the token identifies",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Validity of the token",
				Value: time.Hour,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set in %s", c.String("config"))
			}
			token, err := auth.Mint(cfg.Server.JWTSecret, c.String("user"), c.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}
