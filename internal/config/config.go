// Package config loads the local configuration this controller needs at
// boot: its identity, the Wi-Fi and broker details the platform supplies
// (treated as opaque strings, per spec.md §6), and the ambient stack's own
// knobs (log level, safe mode, metrics, notifications, debug HTTP).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Config is the controller's local configuration. SSID/password/broker
// URL are opaque to the zone control engine; it only forwards them to the
// network and transport collaborators.
type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	SafeMode   bool

	MAC             string `json:"mac"`
	SSID            string `json:"ssid"`
	WifiPassword    string `json:"wifi_password"`
	MaxWifiRetries  int    `json:"max_wifi_retries"`
	BrokerURL       string `json:"broker_url"`
	BrokerUsername  string `json:"broker_username"`
	BrokerPassword  string `json:"broker_password"`
	ClientIDPrefix  string `json:"client_id_prefix"`

	Datadog Datadog `json:"datadog"`
	Ntfy    Ntfy    `json:"ntfy"`
	Admin   Admin   `json:"admin"`
}

// Datadog configures the statsd client used for zone/device metrics.
type Datadog struct {
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

// Ntfy configures the ntfy.sh push-notification client used for fatal
// transport errors.
type Ntfy struct {
	Topic string `json:"topic"`
}

// Admin configures the read-only debug HTTP surface.
type Admin struct {
	BindAddr string `json:"bind_addr"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	fs := flag.NewFlagSet("zonefabric", flag.ExitOnError)
	fs.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.SafeMode, "safe-mode", false, "Run with all actuator drives suppressed")
	fs.Parse(os.Args[1:])

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	if cfg.MaxWifiRetries == 0 {
		cfg.MaxWifiRetries = 10
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "zonefabric"
	}
	if cfg.Admin.BindAddr == "" {
		cfg.Admin.BindAddr = ":8090"
	}

	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var missing []string

	if cfg.MAC == "" {
		missing = append(missing, "mac")
	}
	if cfg.BrokerURL == "" {
		missing = append(missing, "broker_url")
	}

	if len(missing) > 0 {
		panic(fmt.Sprintf("Missing required config fields: %v", missing))
	}
}
