// Command simulator serves randomised power meter, scale and OEE devices
// for exercising the gateway without field hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/logging"
	"modbus-gateway/internal/servermgr"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to YAML config; simulator.servers empty means the built-in layout")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load yaml config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := servermgr.NewManager(cfg.Simulator, logger)
	if err := mgr.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server manager exited with error")
	}
}
