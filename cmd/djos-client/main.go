package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/Xuanwo/djos-migrate/internal/config"
	"github.com/Xuanwo/djos-migrate/internal/gateway/client"
	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

func main() {
	var (
		selfAddr   = pflag.StringP("self", "s", "127.0.0.1:7001", "this node's own server gateway address, stamped into shipped envs")
		remoteAddr = pflag.StringP("remote", "r", "127.0.0.1:7", "the migration target's server gateway address")
		logLevel   = pflag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	)
	pflag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "djos-client",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg := config.Default().OverlayEnv()

	reg := kernel.NewRegistry(logger)
	c, err := client.New(logger, reg, cfg, *selfAddr, *remoteAddr)
	if err != nil {
		logger.Error("failed to construct client gateway", "error", err)
		os.Exit(1)
	}

	stop := make(chan struct{})
	go sweepLoop(c, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	close(stop)
}

// sweepLoop periodically releases client lease entries whose local slot has
// left LEASED, matching the periodic sweep the server gateway runs for its
// own table.
func sweepLoop(c *client.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
