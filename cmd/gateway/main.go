package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/gateway"
	"github.com/chatmesh/gateway/internal/logging"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitBadConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile    = flag.String("config", "", "path to a KEY=VALUE environment file")
		configFile = flag.String("config-file", "", "path to the gateway config (yaml/json/toml)")
		host       = flag.String("host", "", "listen host (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
	)
	flag.Parse()

	if *envFile != "" {
		if err := loadEnvFile(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			return exitBadConfig
		}
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.NewLoader().Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return exitBadConfig
		}
		cfg = loaded
	}
	applyOverrides(cfg, *host, *port)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitBadConfig
	}

	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return exitFailure
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	store := config.NewStore(cfg)

	if *configFile != "" {
		watcher, err := config.NewWatcher(*configFile, store)
		if err != nil {
			logging.Error("init config watcher", zap.Error(err))
			return exitFailure
		}
		if err := watcher.Start(); err != nil {
			logging.Error("start config watcher", zap.Error(err))
			return exitFailure
		}
		defer watcher.Stop()
	}

	srv, err := gateway.New(store)
	if err != nil {
		logging.Error("init gateway", zap.Error(err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logging.Error("gateway terminated", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// applyOverrides layers flags, then environment, over the file config.
func applyOverrides(cfg *config.GatewayConfig, host string, port int) {
	switch {
	case host != "":
		cfg.Server.Host = host
	case os.Getenv("GATEWAY_HOST") != "":
		cfg.Server.Host = os.Getenv("GATEWAY_HOST")
	}
	switch {
	case port != 0:
		cfg.Server.Port = port
	default:
		if p, err := strconv.Atoi(os.Getenv("GATEWAY_PORT")); err == nil && p != 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CONSUL_URL"); v != "" {
		cfg.ConsulURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
}

// loadEnvFile reads KEY=VALUE lines into the process environment.
// Blank lines and #-comments are skipped; existing variables win.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("malformed line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			return fmt.Errorf("malformed line %q", line)
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
