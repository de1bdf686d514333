// Package main is the entry point for the KATO engine server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/config"
	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/gateway"
	"github.com/katoengine/kato/internal/monitoring"
	"github.com/katoengine/kato/internal/session"
	"github.com/katoengine/kato/internal/storage"
	"github.com/katoengine/kato/internal/vector"
)

// ANSI color codes
const (
	katoBlue = "\033[38;2;52;101;164m"
	bold     = "\033[1m"
	reset    = "\033[0m"
)

// ASCII banner for startup
const banner = `
 ██╗  ██╗ █████╗ ████████╗ ██████╗
 ██║ ██╔╝██╔══██╗╚══██╔══╝██╔═══██╗
 █████╔╝ ███████║   ██║   ██║   ██║
 ██╔═██╗ ██╔══██║   ██║   ██║   ██║
 ██║  ██╗██║  ██║   ██║   ╚██████╔╝
 ╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝    ╚═════╝
`

func printBanner() {
	fmt.Print(katoBlue + bold + banner + reset + "\n")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "kato", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runServer(os.Args[2:])
			return
		case "version", "-v", "--version":
			PrintVersion()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: serve
	runServer(os.Args[1:])
}

// resolveServeConfig resolves the config for the serve command.
// Checks: user flag -> filesystem locations -> built-in defaults.
// Returns raw bytes and source description.
func resolveServeConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	searchPaths := []string{}
	if homeDir != "" {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "kato", "config.yaml"),
		)
	}
	searchPaths = append(searchPaths, "configs/config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	// No file found: run on built-in defaults (in-memory storage).
	return nil, "(defaults)", nil
}

// runServer assembles the engine and serves the HTTP API.
func runServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args) // ExitOnError handles errors

	if !*noBanner {
		printBanner()
	}

	configData, configSource, err := resolveServeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("no config file found, specify --config path")
	}

	var cfg *config.Config
	if configData != nil {
		cfg, err = config.LoadFromBytes(configData)
		if err != nil {
			log.Fatal().Err(err).Str("config", configSource).Msg("failed to load configuration")
		}
	} else {
		cfg = config.Default()
	}

	logLevel := cfg.Monitoring.LogLevel
	if *debug {
		logLevel = "debug"
	}
	monitoring.Global(monitoring.LoggerConfig{
		Level:  logLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Msg("kato starting")

	var store storage.PatternStore
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("failed to open pattern store")
		}
	default:
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	cache := storage.NewMemoryMetadataCache()
	defer cache.Close()

	backend := vector.NewMemoryBackend(cfg.Vector.CacheSize)
	binder := vector.NewBinder(backend, cfg.Vector.SimilarityRadius, cfg.Vector.Dimension)

	sessions := session.NewManager(cache, cfg.Sessions.TTL, cfg.Sessions.SweepInterval)
	defer sessions.Close()

	eng := engine.New(store, cache, binder, sessions, &engine.Options{
		RetryBudget:          cfg.Storage.RetryBudget,
		PredictionCacheSize:  cfg.Engine.PredictionCacheSize,
		IdempotencyCacheSize: cfg.Engine.IdempotencyCacheSize,
	})

	gw := gateway.New(cfg, eng)

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("kato stopped")
}

// printHelp prints usage information
func printHelp() {
	printBanner()
	fmt.Println("KATO - deterministic sequence memory and prediction engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kato [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the engine server (default)")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  kato serve [--config FILE] [--debug] [--no-banner]")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  kato serve                         Serve with built-in defaults")
	fmt.Println("  kato serve --config config.yaml    Serve with a config file")
	fmt.Println("  kato serve --debug                 Enable debug logging")
}
