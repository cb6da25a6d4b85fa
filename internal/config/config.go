package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-gateway/internal/model"
)

// RootConfig mirrors config/gateway.yaml.
type RootConfig struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Poll      PollConfig      `yaml:"poll"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type GatewayConfig struct {
	Listen         string        `yaml:"listen"`
	UnitID         uint8         `yaml:"unit_id"` // 0 answers any unit
	Capacity       int           `yaml:"capacity"`
	DevicesFile    string        `yaml:"devices_file"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Backoff        time.Duration `yaml:"backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Retries        int           `yaml:"retries"` // 0 or 1
	MaxWorkers     int           `yaml:"max_workers"`
}

// Ceiling is the hard upper bound for a single device poll.
func (p PollConfig) Ceiling() time.Duration {
	return p.ConnectTimeout + p.CallTimeout
}

type HTTPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	StatusInterval time.Duration `yaml:"status_interval"`
	StaticDir      string        `yaml:"static_dir"` // dashboard build served at /
}

type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	FileType  string        `yaml:"file_type"` // jsonl | csv | db, combined with '+'
	Dir       string        `yaml:"dir"`
	DBPath    string        `yaml:"db_path"`
	QueueSize int           `yaml:"queue_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SimulatorConfig drives cmd/simulator. No servers means the built-in
// plant layout.
type SimulatorConfig struct {
	UpdateInterval time.Duration       `yaml:"update_interval"`
	ListenRetries  int                 `yaml:"listen_retries"`
	Servers        []SimulatorEndpoint `yaml:"servers"`
}

// SimulatorEndpoint is one simulated TCP port hosting several unit ids.
type SimulatorEndpoint struct {
	Host   string               `yaml:"host"`
	Port   int                  `yaml:"port"`
	Slaves map[uint8]model.Type `yaml:"slaves"`
}

// Address is host:port.
func (e SimulatorEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Default returns a configuration with every default applied.
func Default() RootConfig {
	cfg := RootConfig{
		Gateway: GatewayConfig{UnitID: model.DefaultSlaveID},
		Poll:    PollConfig{Retries: 1},
		HTTP:    HTTPConfig{Enabled: true},
	}
	applyDefaults(&cfg)
	return cfg
}

// LoadYAML reads path over the defaults, repairs zero values and validates
// the result. A missing file yields the defaults.
func LoadYAML(path string) (RootConfig, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return RootConfig{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return RootConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return RootConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *RootConfig) {
	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = ":502"
	}
	if cfg.Gateway.Capacity <= 0 {
		cfg.Gateway.Capacity = 30000
	}
	if cfg.Gateway.DevicesFile == "" {
		cfg.Gateway.DevicesFile = "devices.json"
	}
	if cfg.Gateway.RestartBackoff <= 0 {
		cfg.Gateway.RestartBackoff = time.Second
	}

	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = time.Second
	}
	if cfg.Poll.Backoff <= 0 {
		cfg.Poll.Backoff = 5 * time.Second
	}
	if cfg.Poll.ConnectTimeout <= 0 {
		cfg.Poll.ConnectTimeout = 5 * time.Second
	}
	if cfg.Poll.CallTimeout <= 0 {
		cfg.Poll.CallTimeout = 5 * time.Second
	}
	if cfg.Poll.Retries < 0 {
		cfg.Poll.Retries = 0
	}
	if cfg.Poll.MaxWorkers <= 0 {
		cfg.Poll.MaxWorkers = 256
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8000"
	}
	if cfg.HTTP.StatusInterval <= 0 {
		cfg.HTTP.StatusInterval = time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.History.FileType == "" {
		cfg.History.FileType = "jsonl"
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = "data"
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = "data/history.sqlite"
	}
	if cfg.History.QueueSize <= 0 {
		cfg.History.QueueSize = 1000
	}
	if cfg.History.CacheTTL <= 0 {
		cfg.History.CacheTTL = time.Hour
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "modbus-gateway"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "modbus-gateway/status"
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}

	if cfg.Simulator.UpdateInterval <= 0 {
		cfg.Simulator.UpdateInterval = 2 * time.Second
	}
}

// Validate checks the parts of the configuration defaults cannot repair.
func Validate(cfg RootConfig) error {
	if cfg.Gateway.Capacity > 65536 {
		return fmt.Errorf("gateway.capacity %d exceeds the Modbus address space", cfg.Gateway.Capacity)
	}
	if cfg.Poll.MaxWorkers < 1 {
		return errors.New("poll.max_workers must be positive")
	}
	if cfg.Poll.Retries > 1 {
		return fmt.Errorf("poll.retries %d: at most 1 connect retry is allowed", cfg.Poll.Retries)
	}
	if cfg.MQTT.Enabled && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range", cfg.MQTT.QoS)
	}
	if cfg.History.Enabled {
		if _, _, _, err := HistoryOutputs(cfg.History.FileType); err != nil {
			return err
		}
	}
	for i, srv := range cfg.Simulator.Servers {
		if srv.Port <= 0 || srv.Port > 65535 {
			return fmt.Errorf("simulator.servers[%d]: invalid port %d", i, srv.Port)
		}
		for id, typ := range srv.Slaves {
			if !typ.Valid() {
				return fmt.Errorf("simulator.servers[%d]: unit %d has unknown type %q", i, id, typ)
			}
		}
	}
	return nil
}

// HistoryOutputs decodes a file_type such as "jsonl+db".
func HistoryOutputs(fileType string) (jsonl, csv, db bool, err error) {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	switch ft {
	case "both", "all":
		return true, true, ft == "all", nil
	}
	for _, part := range strings.Split(ft, "+") {
		switch strings.TrimSpace(part) {
		case "json", "jsonl":
			jsonl = true
		case "csv":
			csv = true
		case "db", "sqlite":
			db = true
		default:
			return false, false, false, fmt.Errorf("unsupported history.file_type %q (expected jsonl/csv/db and combinations like jsonl+db)", fileType)
		}
	}
	return jsonl, csv, db, nil
}
