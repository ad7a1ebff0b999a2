// ABOUTME: The token subcommand mints bearer tokens for local use
// ABOUTME: Signs with the configured jwt_secret so the running server accepts them

package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/config"
)

// TokenCmd holds the flags for `turnstream token`.
type TokenCmd struct {
	User   string        `short:"u" long:"user" description:"user id (sub claim)" required:"true"`
	Tenant string        `short:"t" long:"tenant" description:"tenant id"`
	Role   string        `short:"r" long:"role" description:"role claim"`
	TTL    time.Duration `long:"ttl" description:"token lifetime" default:"24h"`
}

func parseTokenCmd(args []string) (*TokenCmd, error) {
	cmd := &TokenCmd{}
	parser := flags.NewParser(cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "turnstream token"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cmd.TTL <= 0 {
		return nil, errors.New("--ttl must be positive")
	}
	return cmd, nil
}

func runToken(args []string, out io.Writer) error {
	cmd, err := parseTokenCmd(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	return mintToken(cfg, cmd, out)
}

func mintToken(cfg *config.Config, cmd *TokenCmd, out io.Writer) error {
	if cfg.DevMode() {
		return errors.New("auth.jwt_secret is not set; the server runs in development mode and accepts no tokens")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(auth.Identity{
		UserID:   cmd.User,
		TenantID: cmd.Tenant,
		Role:     cmd.Role,
	}, cmd.TTL)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}
