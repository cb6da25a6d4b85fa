// Package tasks boots the gateway process from a config file and flag
// overrides.
package tasks

import (
	"context"
	"fmt"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/gateway"
	"modbus-gateway/internal/logging"
)

// Options defines overrides applied on top of the YAML config.
// Mirrors the CLI flags used in cmd/gateway/main.go.
type Options struct {
	ConfigPath  string
	DevicesFile string
	Listen      string
	HTTPListen  string
}

// Load reads the config and applies the overrides.
func Load(opts Options) (config.RootConfig, error) {
	cfg, err := config.LoadYAML(opts.ConfigPath)
	if err != nil {
		return config.RootConfig{}, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	if opts.DevicesFile != "" {
		cfg.Gateway.DevicesFile = opts.DevicesFile
	}
	if opts.Listen != "" {
		cfg.Gateway.Listen = opts.Listen
	}
	if opts.HTTPListen != "" {
		cfg.HTTP.Listen = opts.HTTPListen
	}
	return cfg, config.Validate(cfg)
}

// RunGateway builds the gateway, binds its ports and runs it until ctx is
// canceled. Startup failures are returned before anything runs.
func RunGateway(ctx context.Context, opts Options, gwOpts ...gateway.Option) error {
	cfg, err := Load(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	g, err := gateway.New(cfg, logger, gwOpts...)
	if err != nil {
		return err
	}
	if err := g.Listen(); err != nil {
		g.Close()
		return err
	}
	err = g.Run(ctx)
	logger.Info().Msg("gateway stopped")
	return err
}
