// Package main is the entry point for the inference gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/workflowai/inference-gateway/internal/config"
	"github.com/workflowai/inference-gateway/internal/monitoring"
)

// ANSI color codes
const (
	accent = "\033[38;2;46;117;182m"
	bold   = "\033[1m"
	reset  = "\033[0m"
)

const banner = `
  ┌─────────────────────────────┐
  │  i n f e r e n c e          │
  │           g a t e w a y     │
  └─────────────────────────────┘`

func printBanner() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(accent + bold + banner + reset + "\n")
		return
	}
	fmt.Print(banner + "\n")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// ~/.config/inference-gateway/.env first; a local .env can override
	configEnv := filepath.Join(homeDir, ".config", "inference-gateway", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runGatewayServer(os.Args[2:])
			return
		case "run":
			os.Exit(runCommand(os.Args[2:]))
		case "version", "-v", "--version":
			PrintVersion()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}
	runGatewayServer(os.Args[1:])
}

// resolveConfig resolves the config file.
// Checks: user flag -> filesystem locations -> embedded config.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "inference-gateway", "gateway.yaml"))
	}
	searchPaths = append(searchPaths, "configs/gateway.yaml", "gateway.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	if data, err := getEmbeddedConfig(defaultConfigName); err == nil {
		return data, "(embedded) " + defaultConfigName + ".yaml", nil
	}
	return nil, "", fmt.Errorf("no config file found. Specify --config path")
}

// loadConfig resolves, parses and validates the configuration.
func loadConfig(userConfig string) (*config.Config, string, error) {
	data, source, err := resolveConfig(userConfig)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// runGatewayServer starts the HTTP server.
func runGatewayServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args) // ExitOnError handles errors

	if !*noBanner {
		printBanner()
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		setupLogging(monitoring.LoggerConfig{}, *debug)
		log.Fatal().Err(err).Str("config", source).Msg("failed to load configuration")
	}
	setupLogging(cfg.Monitoring.Logger(), *debug)

	log.Info().
		Str("version", Version).
		Str("config", source).
		Int("port", cfg.Server.Port).
		Int("models", len(cfg.Models)).
		Msg("inference gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}()

	if err := a.gateway.Start(ctx); err != nil {
		log.Error().Err(err).Msg("gateway error")
		return
	}
	log.Info().Msg("inference gateway stopped")
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg monitoring.LoggerConfig, debug bool) {
	if cfg.Format == "" {
		cfg.Format = "auto"
	}
	if debug {
		cfg.Level = zerolog.LevelDebugValue
	}
	monitoring.Global(cfg)
}

// printHelp prints usage information
func printHelp() {
	printBanner()
	fmt.Println("Inference Gateway - one OpenAI-compatible API in front of many LLM providers")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  inference-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway server (default)")
	fmt.Println("  run FILE     Execute one chat completion request from a JSON file (- for stdin)")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  inference-gateway serve [--config FILE] [--debug] [--no-banner]")
	fmt.Println()
	fmt.Println("Run Options:")
	fmt.Println("  inference-gateway run [--config FILE] [--stream] [--debug] FILE")
	fmt.Println()
	if names, err := listEmbeddedConfigs(); err == nil {
		fmt.Printf("Embedded configs: %v\n", names)
	}
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  inference-gateway serve --config configs/gateway.yaml")
	fmt.Println("  echo '{\"model\":\"echo\",\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}]}' | inference-gateway run -")
}
