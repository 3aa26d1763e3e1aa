package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wisbric/cerberus/internal/app"
	"github.com/wisbric/cerberus/internal/config"
)

func main() {
	configPath := flag.String("config", "", "configuration file path (reserved; settings come from the environment)")
	redisURL := flag.String("redis-url", "", "redis URL (overrides REDIS_URL)")
	listen := flag.String("listen", "", "listen address (overrides LISTEN_ADDR)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	jsonLogs := flag.Bool("json-logs", false, "enable JSON logging output")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override env vars.
	if *redisURL != "" {
		cfg.RedisURL = *redisURL
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *jsonLogs {
		cfg.LogFormat = "json"
	}
	if *configPath != "" {
		slog.Info("config file path noted; settings are environment-driven", "path", *configPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
