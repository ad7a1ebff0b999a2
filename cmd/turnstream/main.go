// ABOUTME: Entry point for the turnstream chat streaming server
// ABOUTME: Dispatches the serve, init, token, chat and health subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/turnstream/internal/config"
	"github.com/2389/turnstream/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _                       _
| |_ _   _ _ __ _ __  ___| |_ _ __ ___  __ _ _ __ ___
| __| | | | '__| '_ \/ __| __| '__/ _ \/ _' | '_ ' _ \
| |_| |_| | |  | | | \__ \ |_| | |  __/ (_| | | | | | |
 \__|\__,_|_|  |_| |_|___/\__|_|  \___|\__,_|_| |_| |_|
`

// getConfigPath returns the path to the config file.
// Priority: TURNSTREAM_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/turnstream/config.yaml > ~/.config/turnstream/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "turnstream", "config.yaml")
}

// loadConfig reads the config file, or runs on defaults plus environment
// overrides when no file exists at the default location.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && os.Getenv(config.EnvConfigPath) == "" {
		cfg, err = config.FromEnv()
		configPath = "(defaults)"
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func usage() {
	fmt.Println("Usage: turnstream <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the server")
	fmt.Println("  init [path]                             Write a starter config file")
	fmt.Println("  token --user U [--tenant T] [--role R]  Mint a bearer token with the configured secret")
	fmt.Println("  chat [--session S] message...           Send a message and stream the reply")
	fmt.Println("  health                                  Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "chat":
		err = runChat(ctx, os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Generation: %s", cfg.Generation.Provider)
	if cfg.Generation.Provider == config.ProviderOpenAI {
		gray.Printf(" (%s)", cfg.Generation.OpenAI.Model)
	}
	fmt.Println()

	if cfg.DevMode() {
		green.Print("    ▶ ")
		fmt.Print("Auth:       ")
		yellow.Println("development mode (no jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting turnstream",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
		"provider", cfg.Generation.Provider,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit(args []string) error {
	outputFile := getConfigPath()
	if len(args) > 0 {
		outputFile = args[0]
	}

	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("%s already exists", outputFile)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  turnstream serve")
	return nil
}

// serverURL turns a listen address into a URL a local client can reach.
func serverURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
