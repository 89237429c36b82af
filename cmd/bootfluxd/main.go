package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bootflux/bootflux/internal/config"
	"github.com/bootflux/bootflux/internal/logging"
	"github.com/bootflux/bootflux/internal/server"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(serverVersion)
		return
	}

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("bootfluxd", cfg.LogLevel)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-srv.Err():
		logger.Error("server failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
	os.Exit(exitCode)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bootfluxd [flags]")
	fmt.Fprintln(os.Stderr, "  --root-dir DIR          artifact root directory (default .)")
	fmt.Fprintln(os.Stderr, "  --http-addr ADDR        HTTP listen address (default :8080)")
	fmt.Fprintln(os.Stderr, "  --tftp-addr ADDR        TFTP listen address (default :69)")
	fmt.Fprintln(os.Stderr, "  --tftp=false            disable TFTP serving")
	fmt.Fprintln(os.Stderr, "  --enable-https          serve HTTPS alongside HTTP")
	fmt.Fprintln(os.Stderr, "  --https-addr ADDR       HTTPS listen address (default :8443)")
	fmt.Fprintln(os.Stderr, "  --enable-h3             serve HTTP/3 on the HTTPS address")
	fmt.Fprintln(os.Stderr, "  --ssl-cert FILE         TLS certificate file (PEM)")
	fmt.Fprintln(os.Stderr, "  --ssl-key FILE          TLS private key file (PEM)")
	fmt.Fprintln(os.Stderr, "  --max-block-size N      max negotiable TFTP block size (default 65464)")
	fmt.Fprintln(os.Stderr, "  --max-sessions N        max concurrent TFTP sessions (default 64)")
	fmt.Fprintln(os.Stderr, "  --timeout DURATION      TFTP retransmission timeout (default 3s)")
	fmt.Fprintln(os.Stderr, "  --retries N             TFTP retransmissions per block (default 5)")
	fmt.Fprintln(os.Stderr, "  --idle-timeout DURATION TFTP session idle bound (default 30s)")
	fmt.Fprintln(os.Stderr, "  --grace DURATION        shutdown grace period (default 10s)")
	fmt.Fprintln(os.Stderr, "  --config FILE           TOML config file")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL       log level (debug, info, warn, error)")
	fmt.Fprintln(os.Stderr, "note: binding TFTP on port 69 requires elevated privileges;")
	fmt.Fprintln(os.Stderr, "use a high port for unprivileged testing")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
