package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/Xuanwo/djos-migrate/internal/config"
	"github.com/Xuanwo/djos-migrate/internal/gateway/server"
	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

func main() {
	var (
		listenAddr = pflag.StringP("listen", "l", "0.0.0.0:7", "address the migration server listens on")
		logLevel   = pflag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	)
	pflag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "djos-server",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg := config.Default().OverlayEnv()

	reg := kernel.NewRegistry(logger)
	srv, err := server.New(logger, reg, cfg)
	if err != nil {
		logger.Error("failed to construct server gateway", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		srv.Close()
	}()

	if err := serve(srv, *listenAddr); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func serve(srv *server.Server, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return srv.ListenAndServe(addr)
}
