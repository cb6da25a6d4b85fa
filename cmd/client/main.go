// Command client reads the consolidated gateway table and prints every
// configured device decoded from its span.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/logging"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
	"modbus-gateway/internal/registry"
)

func main() {
	var (
		cfgPath  string
		addr     string
		devices  string
		interval time.Duration
		once     bool
	)
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to gateway YAML config")
	flag.StringVar(&addr, "addr", "", "gateway Modbus address (default from config)")
	flag.StringVar(&devices, "devices", "", "devices file (default from config)")
	flag.DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	flag.BoolVar(&once, "once", false, "read once and exit")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if addr == "" {
		addr = cfg.Gateway.Listen
	}
	if devices == "" {
		devices = cfg.Gateway.DevicesFile
	}
	list, err := registry.NewFileStore(devices).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("file", devices).Msg("load devices")
	}

	h := mb.NewTCPClientHandler(normalizeAddress(addr))
	h.SlaveId = cfg.Gateway.UnitID
	h.Timeout = 5 * time.Second
	if err := h.Connect(); err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("connect")
	}
	defer h.Close()
	client := mb.NewClient(h)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, d := range list {
			if err := dump(os.Stdout, client, d); err != nil {
				logger.Warn().Err(err).Str("device", d.Name).Msg("read span")
			}
		}
		if once {
			return
		}
		<-ticker.C
	}
}

// dump reads the span of d and prints one line per named value.
func dump(w io.Writer, client mb.Client, d model.Device) error {
	size := d.Size()
	if size == 0 {
		return nil
	}
	b, err := client.ReadHoldingRegisters(uint16(d.Offset), uint16(size))
	if err != nil {
		return err
	}
	words := registers.BytesToWords(b)
	if len(words) < size {
		return fmt.Errorf("short read: %d of %d registers", len(words), size)
	}
	for _, s := range d.Layout() {
		var v string
		if s.Words == 2 {
			f := registers.DecodeFloat32(words[s.Rel], words[s.Rel+1])
			v = strconv.FormatFloat(float64(f), 'f', -1, 32)
		} else {
			v = strconv.Itoa(int(words[s.Rel]))
		}
		fmt.Fprintf(w, "%s.%s (@%d) = %s\n", d.Name, s.Name, d.Offset+s.Rel, v)
	}
	return nil
}

func normalizeAddress(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
