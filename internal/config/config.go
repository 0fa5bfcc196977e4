// Package config loads the smpctl TOML file: defaults first, then every key
// the file defines, then validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/smpctl/internal/logging"
	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/packet"
)

const (
	TransportUDP    = "udp"
	TransportSerial = "serial"
)

// Config is the resolved runtime configuration.
type Config struct {
	Transport   string
	Address     string
	Framing     string
	MTU         int
	BaudRate    int
	Timeout     time.Duration
	Version     header.Version
	LogLevel    string
	MetricsFile string
	// ConnectAttempts > 1 retries opening the transport with backoff.
	ConnectAttempts int
}

// fileConfig maps smpctl.toml keys.
type fileConfig struct {
	Transport       string `toml:"transport"`
	Address         string `toml:"address"`
	Framing         string `toml:"framing"`
	MTU             int    `toml:"mtu"`
	BaudRate        int    `toml:"baud_rate"`
	Timeout         string `toml:"timeout"`
	Version         int    `toml:"smp_version"`
	LogLevel        string `toml:"log_level"`
	MetricsFile     string `toml:"metrics_file"`
	ConnectAttempts int    `toml:"connect_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Transport:       TransportUDP,
		Address:         "127.0.0.1:1337",
		BaudRate:        115200,
		Timeout:         5 * time.Second,
		Version:         header.V1,
		LogLevel:        "info",
		ConnectAttempts: 1,
	}
}

// Load reads path over DefaultConfig. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load smpctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load smpctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("framing") {
		cfg.Framing = strings.ToLower(strings.TrimSpace(raw.Framing))
	}
	if meta.IsDefined("mtu") {
		cfg.MTU = raw.MTU
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("load smpctl config: timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("smp_version") {
		if raw.Version < 0 || raw.Version > 255 {
			return Config{}, fmt.Errorf("load smpctl config: smp_version %d out of range", raw.Version)
		}
		cfg.Version = header.Version(raw.Version)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_file") {
		cfg.MetricsFile = strings.TrimSpace(raw.MetricsFile)
	}
	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch cfg.Transport {
	case TransportUDP, TransportSerial:
	default:
		return fmt.Errorf("smpctl config: unsupported transport %q (expected udp or serial)", cfg.Transport)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("smpctl config: address is required")
	}
	if cfg.Framing != "" {
		if _, err := packet.Lookup(cfg.Framing); err != nil {
			return fmt.Errorf("smpctl config: %w", err)
		}
	}
	if cfg.MTU < 0 {
		return fmt.Errorf("smpctl config: mtu must not be negative")
	}
	if cfg.Transport == TransportSerial && cfg.BaudRate <= 0 {
		return fmt.Errorf("smpctl config: baud_rate must be positive")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("smpctl config: timeout must not be negative")
	}
	if cfg.ConnectAttempts < 0 {
		return fmt.Errorf("smpctl config: connect_attempts must not be negative")
	}
	if !cfg.Version.Valid() {
		return fmt.Errorf("smpctl config: smp_version %d is not 0 or 1", cfg.Version)
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("smpctl config: unknown log_level %q", cfg.LogLevel)
		}
	}
	return nil
}
