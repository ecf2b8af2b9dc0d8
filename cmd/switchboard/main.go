// ABOUTME: Entry point for the switchboard connector hub
// ABOUTME: Serves the hub, mints tenant tokens and checks health of a running instance

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
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/hub"
	"github.com/2389/switchboard/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// getConfigPath returns the path to the config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "switchboard", "config.yaml")
}

// loadConfig reads the config file, or the environment alone when no file exists.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return cfg, err
}

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Println("Usage: switchboard <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the hub")
		fmt.Println("  token TENANT [TTL]     Mint an API token for a tenant")
		fmt.Println("  health                 Check hub health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closer.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Browser:   ")
	if cfg.Browser.Enabled {
		cyan.Print(cfg.Browser.WebURL)
		if !cfg.Browser.Headless {
			gray.Print(" (headful)")
		}
	} else {
		yellow.Print("disabled")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Shared:    ")
	if cfg.Shared.Enabled {
		cyan.Print("enabled")
	} else {
		gray.Print("disabled")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	return h.Run(ctx)
}

func runToken(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: switchboard token TENANT [TTL]")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		ttl = d
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer).Generate(args[0], ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
