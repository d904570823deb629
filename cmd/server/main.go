package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/logging"
	"github.com/aeolun/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.chatrelay/server.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config and PORT)")
	dbPath := flag.String("db", "", "Path to SQLite user database (overrides config and DATABASE_PATH)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", "json", "Log format: json or text")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay server %s\n", Version)
		os.Exit(0)
	}

	logger := logging.New(os.Stdout, *logFormat, *debug)
	ctx := context.Background()

	fatal := func(msg string, err error) {
		logger.Error(ctx, msg, "error", err)
		os.Exit(1)
	}

	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	cfg := tomlConfig.ToServerConfig()

	// defaults < file < environment < flags
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fatal("invalid environment", err)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	if cfg.DatabasePath != "" {
		resolved, err := cfg.ResolvedDatabasePath()
		if err != nil {
			fatal("failed to resolve database path", err)
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			fatal("failed to create database directory", err)
		}
		logger.Info(ctx, "using sqlite user store", "path", resolved)
	} else {
		logger.Info(ctx, "using in-memory user store, accounts are lost on restart")
	}

	srv, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		fatal("failed to create server", err)
	}

	if err := srv.Start(); err != nil {
		fatal("failed to start server", err)
	}
	logger.Info(ctx, "chatrelay server started",
		"version", Version,
		"config", *configPath,
		"port", cfg.HTTPPort,
		"websocket", fmt.Sprintf("ws://localhost:%d/ws", cfg.HTTPPort),
	)

	if *pprofAddr != "" {
		go func() {
			logger.Info(ctx, "starting pprof server", "addr", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Error(ctx, "pprof server error", "error", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "error during shutdown", "error", err)
	}
	logger.Info(ctx, "server stopped")
}
