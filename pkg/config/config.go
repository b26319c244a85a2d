// Package config holds the runtime configuration for the HQV↔LwM2M gateway
// agent: BLE link parameters, UDP endpoint defaults, the control/discovery
// listener ports, and the persisted store paths.
package config

import (
	"fmt"
	"os"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration for the gateway agent.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// BLE link defaults (spec.md §6).
	Adapter        string        `yaml:"adapter" default:"hci0"`
	WriteCharUUID  string        `yaml:"write_char_uuid" default:"98bd0002-0b0e-421a-84e5-ddbf75dc6de4"`
	ReadCharUUID   string        `yaml:"read_char_uuid" default:"98bd0003-0b0e-421a-84e5-ddbf75dc6de4"`
	MTU            int           `yaml:"mtu" default:"23"`
	BLETimeout     time.Duration `yaml:"ble_timeout" default:"40s"`
	AutoReconnect  bool          `yaml:"auto_reconnect" default:"true"`
	ScanRetries    int           `yaml:"scan_retries" default:"3"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"15s"`
	ConnectRetries int           `yaml:"connect_retries" default:"5"`
	ConnectBackoff time.Duration `yaml:"connect_backoff" default:"1s"`

	ReconnectRetries int           `yaml:"reconnect_retries" default:"5"`
	ReconnectScan    time.Duration `yaml:"reconnect_scan_timeout" default:"30s"`
	ReconnectConnect time.Duration `yaml:"reconnect_connect_timeout" default:"20s"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" default:"10s"`

	DisconnectWatchdog time.Duration `yaml:"disconnect_watchdog" default:"5s"`

	// UDP endpoint defaults (spec.md §6).
	ServerAddress string `yaml:"server_address" default:"127.0.0.1"`
	ServerPort    int    `yaml:"server_port" default:"5684"`

	// Control channel (spec.md §4.6).
	ControlPort int `yaml:"control_port" default:"4300"`

	// Discovery service (spec.md §4.7).
	DiscoveryPort     int           `yaml:"discovery_port" default:"5385"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" default:"10s"`
	DiscoveryPollRate time.Duration `yaml:"discovery_poll_rate" default:"100ms"`
	DiscoveryPeerTTL  time.Duration `yaml:"discovery_peer_ttl" default:"30s"`
	GUIAccess         bool          `yaml:"gui_access" default:"false"`
	CustomName        string        `yaml:"custom_name" default:""`
	WebserverPort     int           `yaml:"webserver_port" default:"8080"`
	AgentVersion      string        `yaml:"agent_version" default:"1.0"`

	// Persistence (spec.md §6).
	AliasStorePath string `yaml:"alias_store_path" default:"./aliases.json"`
	PSKStorePath   string `yaml:"psk_store_path" default:"./psks.json"`

	// Leshan HTTP client (spec.md §6, §4.6).
	LeshanBaseURL          string        `yaml:"leshan_base_url" default:"http://127.0.0.1:8080"`
	LeshanPollInterval     time.Duration `yaml:"leshan_poll_interval" default:"3s"`
	LeshanPollAttempts     int           `yaml:"leshan_poll_attempts" default:"10"`
	RegularStatusRequest   bool          `yaml:"regular_status_request" default:"false"`
	LeshanSteadyPollPeriod time.Duration `yaml:"leshan_steady_poll_period" default:"300s"`
}

// DefaultConfig returns a Config populated entirely from its `default` struct
// tags, mirroring the teacher's DefaultConfig/NewLogger split.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file, applying struct-tag defaults to any field
// the file leaves unset. A missing file is not an error: the defaults alone
// are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

// ParsedLogLevel resolves the configured log level string to a logrus.Level,
// falling back to Info on an unrecognized value.
func (c *Config) ParsedLogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance, mirroring the teacher's
// pkg/config.Config.NewLogger.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.ParsedLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
