// Package config loads pane-relay configuration from file and environment.
//
// Precedence (highest to lowest):
//  1. Environment variables (PANE_RELAY_*)
//  2. Config file
//  3. Built-in defaults
//
// Config file search order:
//  1. .pane-relay.yaml in current directory
//  2. ~/.config/pane-relay/config.yaml
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pane-relay configuration.
type Config struct {
	// Network
	Host         string `yaml:"host"`
	ProducerPort int    `yaml:"producer_port"`
	ListenerPort int    `yaml:"listener_port"`
	PortAttempts int    `yaml:"port_attempts"` // consecutive ports tried per endpoint

	// Timings, Go duration strings ("5s", "500ms")
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	FreshWindow       string `yaml:"fresh_window"`
	ProbeTimeout      string `yaml:"probe_timeout"`
	ReconnectInitial  string `yaml:"reconnect_initial"`
	ReconnectMax      string `yaml:"reconnect_max"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`

	// Focus probe: "auto", "tmux", "command" or "none"
	FocusProbe   string `yaml:"focus_probe"`
	FocusCommand string `yaml:"focus_command"` // shell line printing the focused identity

	LockFile string `yaml:"lock_file"`

	// Listener output: "stdout" or "tmux"
	Sink string `yaml:"sink"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// OTEL
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELHeaders  string `yaml:"otel_headers"` // Comma-separated key=value pairs, e.g. "Authorization=Basic abc123"

	// Parsed durations (not from YAML, set after loading)
	HeartbeatDuration        time.Duration `yaml:"-"`
	FreshDuration            time.Duration `yaml:"-"`
	ProbeTimeoutDuration     time.Duration `yaml:"-"`
	ReconnectInitialDuration time.Duration `yaml:"-"`
	ReconnectMaxDuration     time.Duration `yaml:"-"`
	ShutdownDuration         time.Duration `yaml:"-"`

	// ConfigFile is the path to the config file that was loaded (empty if none).
	ConfigFile string `yaml:"-"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Host:              "127.0.0.1",
		ProducerPort:      7341,
		ListenerPort:      7342,
		PortAttempts:      10,
		HeartbeatInterval: "5s",
		FreshWindow:       "3s",
		ProbeTimeout:      "500ms",
		ReconnectInitial:  "1s",
		ReconnectMax:      "30s",
		ShutdownTimeout:   "2s",
		FocusProbe:        "auto",
		Sink:              "stdout",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from file and environment variables.
// Environment variables always override file values.
func Load() (*Config, error) {
	cfg := Defaults()

	// Try to load config file
	if path, data, err := findConfigFile(); err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
		mergeFile(cfg, &fileCfg)
	}

	// Environment variables override everything
	if err := mergeEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve parses durations and validates the result.
func (cfg *Config) resolve() error {
	durations := []struct {
		name     string
		raw      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"heartbeat interval", cfg.HeartbeatInterval, 5 * time.Second, &cfg.HeartbeatDuration},
		{"fresh window", cfg.FreshWindow, 3 * time.Second, &cfg.FreshDuration},
		{"probe timeout", cfg.ProbeTimeout, 500 * time.Millisecond, &cfg.ProbeTimeoutDuration},
		{"reconnect initial delay", cfg.ReconnectInitial, time.Second, &cfg.ReconnectInitialDuration},
		{"reconnect max delay", cfg.ReconnectMax, 30 * time.Second, &cfg.ReconnectMaxDuration},
		{"shutdown timeout", cfg.ShutdownTimeout, 2 * time.Second, &cfg.ShutdownDuration},
	}
	for _, d := range durations {
		v, err := parseDurationOrDisable(d.raw, d.fallback)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	if cfg.FreshDuration <= 0 {
		return fmt.Errorf("fresh window must be positive")
	}

	for _, p := range []struct {
		name string
		port int
	}{{"producer_port", cfg.ProducerPort}, {"listener_port", cfg.ListenerPort}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("invalid %s %d", p.name, p.port)
		}
	}
	if cfg.PortAttempts < 1 {
		return fmt.Errorf("port_attempts must be at least 1, got %d", cfg.PortAttempts)
	}
	switch cfg.FocusProbe {
	case "auto", "tmux", "command", "none":
	default:
		return fmt.Errorf("invalid focus_probe %q (want auto, tmux, command or none)", cfg.FocusProbe)
	}
	if cfg.FocusProbe == "command" && cfg.FocusCommand == "" {
		return fmt.Errorf("focus_probe is \"command\" but focus_command is empty")
	}
	return nil
}

// ProducerURL returns the WebSocket URL producers connect to.
func (cfg *Config) ProducerURL() string {
	return "ws://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ProducerPort)) + "/"
}

// ListenerURL returns the WebSocket URL listeners connect to.
func (cfg *Config) ListenerURL() string {
	return "ws://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ListenerPort)) + "/"
}

// ListenerAddr returns host:port of the listener endpoint.
func (cfg *Config) ListenerAddr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ListenerPort))
}

// findConfigFile searches for a config file and returns its path and contents.
func findConfigFile() (string, []byte, error) {
	// 1. Current directory
	if data, err := os.ReadFile(".pane-relay.yaml"); err == nil {
		return ".pane-relay.yaml", data, nil
	}

	// 2. XDG config dir / ~/.config
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "pane-relay", "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("no config file found")
}

// mergeFile applies non-zero file values onto cfg.
func mergeFile(cfg *Config, file *Config) {
	if file.Host != "" {
		cfg.Host = file.Host
	}
	if file.ProducerPort > 0 {
		cfg.ProducerPort = file.ProducerPort
	}
	if file.ListenerPort > 0 {
		cfg.ListenerPort = file.ListenerPort
	}
	if file.PortAttempts > 0 {
		cfg.PortAttempts = file.PortAttempts
	}
	if file.HeartbeatInterval != "" {
		cfg.HeartbeatInterval = file.HeartbeatInterval
	}
	if file.FreshWindow != "" {
		cfg.FreshWindow = file.FreshWindow
	}
	if file.ProbeTimeout != "" {
		cfg.ProbeTimeout = file.ProbeTimeout
	}
	if file.ReconnectInitial != "" {
		cfg.ReconnectInitial = file.ReconnectInitial
	}
	if file.ReconnectMax != "" {
		cfg.ReconnectMax = file.ReconnectMax
	}
	if file.ShutdownTimeout != "" {
		cfg.ShutdownTimeout = file.ShutdownTimeout
	}
	if file.FocusProbe != "" {
		cfg.FocusProbe = file.FocusProbe
	}
	if file.FocusCommand != "" {
		cfg.FocusCommand = file.FocusCommand
	}
	if file.LockFile != "" {
		cfg.LockFile = file.LockFile
	}
	if file.Sink != "" {
		cfg.Sink = file.Sink
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		cfg.LogFormat = file.LogFormat
	}
	if file.OTELEndpoint != "" {
		cfg.OTELEndpoint = file.OTELEndpoint
	}
	if file.OTELHeaders != "" {
		cfg.OTELHeaders = file.OTELHeaders
	}
}

// mergeEnv applies environment variables onto cfg. Env always wins.
func mergeEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"PANE_RELAY_HOST", &cfg.Host},
		{"PANE_RELAY_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"PANE_RELAY_FRESH_WINDOW", &cfg.FreshWindow},
		{"PANE_RELAY_PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"PANE_RELAY_RECONNECT_INITIAL", &cfg.ReconnectInitial},
		{"PANE_RELAY_RECONNECT_MAX", &cfg.ReconnectMax},
		{"PANE_RELAY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"PANE_RELAY_FOCUS_PROBE", &cfg.FocusProbe},
		{"PANE_RELAY_FOCUS_COMMAND", &cfg.FocusCommand},
		{"PANE_RELAY_LOCK_FILE", &cfg.LockFile},
		{"PANE_RELAY_SINK", &cfg.Sink},
		{"PANE_RELAY_LOG_LEVEL", &cfg.LogLevel},
		{"PANE_RELAY_LOG_FORMAT", &cfg.LogFormat},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTELEndpoint},
		{"OTEL_EXPORTER_OTLP_HEADERS", &cfg.OTELHeaders},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PANE_RELAY_PRODUCER_PORT", &cfg.ProducerPort},
		{"PANE_RELAY_LISTENER_PORT", &cfg.ListenerPort},
		{"PANE_RELAY_PORT_ATTEMPTS", &cfg.PortAttempts},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", i.key, v, err)
		}
		*i.dst = n
	}
	return nil
}

// parseDurationOrDisable parses a duration string. "0", "off", "disable" return 0.
// Empty string returns the fallback value.
func parseDurationOrDisable(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if s == "0" || s == "off" || s == "disable" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
