// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/modbus-tcp-proxy/proxy/internal/config"
	"github.com/modbus-tcp-proxy/proxy/internal/proxy"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 configuration error,
// 2 fatal runtime error (e.g. bind failure).
const (
	exitOK         = 0
	exitConfigErr  = 1
	exitRuntimeErr = 2

	// defaultGracePeriod bounds how long Supervisor.Run waits for
	// in-flight work to finish during shutdown before force-closing.
	defaultGracePeriod = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := pflag.StringP("config", "c", "", "Path to config file (required)")
	listenOverride := pflag.String("listen", "", "Override proxy.server_host:server_port, e.g. 0.0.0.0:5020")
	maxConnOverride := pflag.Int("max-connections", 0, "Override proxy.max_connections (0 = use config)")
	pflag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "modbus-proxy: --config <path> is required")
		return exitConfigErr
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigErr
	}

	applyFlagOverrides(cfg, *listenOverride, *maxConnOverride)

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting modbus-proxy")

	sup, err := proxy.NewSupervisor(toProxyConfig(cfg), logger)
	if err != nil {
		logger.Error("failed to build supervisor", "err", err)
		return exitConfigErr
	}

	if err := sup.Run(); err != nil {
		logger.Error("supervisor stopped with error", "err", err)
		return exitRuntimeErr
	}

	logger.Info("goodbye")
	return exitOK
}

// applyFlagOverrides lets a small set of the most commonly tuned scalars
// be set on the command line, mirroring the teacher's pre-refactor flag
// set (-A/-P/-C) without reintroducing full pflag-to-viper binding for
// every nested key.
func applyFlagOverrides(cfg *config.Config, listen string, maxConn int) {
	if listen != "" {
		host, port, ok := splitHostPort(listen)
		if ok {
			cfg.Proxy.ServerHost = host
			cfg.Proxy.ServerPort = port
		}
	}
	if maxConn > 0 {
		cfg.Proxy.MaxConnections = maxConn
	}
}

func splitHostPort(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

func toProxyConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		ListenAddress:  fmt.Sprintf("%s:%d", cfg.Proxy.ServerHost, cfg.Proxy.ServerPort),
		ListenBacklog:  cfg.Proxy.ListenBacklog,
		AllowedIPs:     cfg.Proxy.AllowedIPs,
		MaxConnections: cfg.Proxy.MaxConnections,
		ReadOnly:       cfg.Security.ReadOnly,
		IdleTimeout:    0, // use proxy package default (60s)
		GracePeriod:    defaultGracePeriod,
		Upstream: proxy.UpstreamConfig{
			Address:          fmt.Sprintf("%s:%d", cfg.ModbusServer.ModbusServerHost, cfg.ModbusServer.ModbusServerPort),
			ConnectTimeout:   cfg.ModbusServer.ConnectionTimeoutDuration(),
			PostConnectDelay: cfg.ModbusServer.DelayAfterConnectionDuration(),
			MaxRetries:       cfg.ModbusServer.MaxRetries,
			MaxBackoff:       cfg.ModbusServer.MaxBackoffDuration(),
		},
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromString(cfg.LogLevel)}

	var handler slog.Handler
	if cfg.Enable && cfg.LogFile != "" && cfg.LogFile != "-" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func levelFromString(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
