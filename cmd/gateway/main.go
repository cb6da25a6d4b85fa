// Command gateway polls the configured field devices and serves their
// values as one Modbus TCP register table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modbus-gateway/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/gateway.yaml", "path to gateway YAML config")
	flag.StringVar(&opts.DevicesFile, "devices", "", "override gateway.devices_file")
	flag.StringVar(&opts.Listen, "listen", "", "override gateway.listen")
	flag.StringVar(&opts.HTTPListen, "http", "", "override http.listen")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tasks.RunGateway(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
