package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/robertof/go-qnscale-relay/ble"
	"github.com/robertof/go-qnscale-relay/collector"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
	"github.com/robertof/go-qnscale-relay/report"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultConfigPath    = "config.toml"
	defaultRetentionDays = 30
)

type config struct {
	URL string

	Logging struct {
		Level         zerolog.Level
		RetentionDays int
		Path          string
	}

	Bluetooth struct {
		DeviceID           int
		DeviceName         string
		DiscoveryWindow    time.Duration
		ConnParams         ble.ConnParams
		AllowedAddresses   []net.HardwareAddr
		ConcurrentSessions bool
	}

	Session collector.SessionOptions
	Retry   collector.RetryOptions

	Report struct {
		Timeout         time.Duration
		BreakerFailures uint32
		BreakerTimeout  time.Duration
	}

	MetricsBind string
}

// fileConfig mirrors config with TOML friendly types: durations and addresses are strings.
type fileConfig struct {
	URL string `toml:"url"`

	Logging struct {
		Level         string `toml:"level"`
		RetentionDays *int   `toml:"retention_days"`
		Path          string `toml:"path"`
	} `toml:"logging"`

	Bluetooth struct {
		DeviceID           int      `toml:"device_id"`
		DeviceName         string   `toml:"device_name"`
		DiscoveryWindow    string   `toml:"discovery_window"`
		ConnectionParams   string   `toml:"connection_params"`
		AllowedAddresses   []string `toml:"allowed_addresses"`
		ConcurrentSessions bool     `toml:"concurrent_sessions"`
	} `toml:"bluetooth"`

	Session struct {
		SettleDelay         string `toml:"settle_delay"`
		BatteryPollInterval string `toml:"battery_poll_interval"`
	} `toml:"session"`

	Retry struct {
		Attempts *int   `toml:"attempts"`
		Backoff  string `toml:"backoff"`
	} `toml:"retry"`

	Report struct {
		Timeout         string  `toml:"timeout"`
		BreakerFailures *uint32 `toml:"breaker_failures"`
		BreakerTimeout  string  `toml:"breaker_timeout"`
	} `toml:"report"`

	Metrics struct {
		Bind string `toml:"bind"`
	} `toml:"metrics"`
}

func defaultConfig() config {
	var cfg config

	cfg.Logging.Level = zerolog.InfoLevel
	cfg.Logging.RetentionDays = defaultRetentionDays

	cfg.Bluetooth.DeviceName = qnscale.LocalName
	cfg.Bluetooth.DiscoveryWindow = collector.DefaultDiscoveryWindow
	cfg.Bluetooth.ConnParams = ble.ConnParamsDefault

	cfg.Session.SettleDelay = collector.DefaultSettleDelay
	cfg.Session.BatteryPollInterval = collector.DefaultBatteryPollInterval

	cfg.Retry.Attempts = collector.DefaultRetryAttempts
	cfg.Retry.Backoff = collector.DefaultRetryBackoff

	cfg.Report.Timeout = report.DefaultTimeout
	cfg.Report.BreakerFailures = report.DefaultBreakerFailures
	cfg.Report.BreakerTimeout = report.DefaultBreakerTimeout

	return cfg
}

// loadConfig reads path on top of the defaults. A missing file is only tolerated when
// required is false, in which case a warning is logged and the defaults are returned as they are.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)

	if errors.Is(err, fs.ErrNotExist) && !required {
		log.Warn().
			Str("Component", "config").
			Str("Path", path).
			Msg("Config file not found, running on defaults")

		return cfg, nil
	}

	if err != nil {
		return cfg, configError("read %s: %w", path, err)
	}

	var fc fileConfig

	if err := toml.Unmarshal(b, &fc); err != nil {
		return cfg, configError("parse %s: %w", path, err)
	}

	if err := applyFileConfig(&cfg, fc); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func applyFileConfig(cfg *config, fc fileConfig) error {
	var err error

	cfg.URL = fc.URL

	if fc.Logging.Level != "" {
		if cfg.Logging.Level, err = parseLevel(fc.Logging.Level); err != nil {
			return err
		}
	}

	if fc.Logging.RetentionDays != nil {
		cfg.Logging.RetentionDays = *fc.Logging.RetentionDays
	}

	cfg.Logging.Path = fc.Logging.Path

	cfg.Bluetooth.DeviceID = fc.Bluetooth.DeviceID
	cfg.Bluetooth.ConcurrentSessions = fc.Bluetooth.ConcurrentSessions

	if fc.Bluetooth.DeviceName != "" {
		cfg.Bluetooth.DeviceName = fc.Bluetooth.DeviceName
	}

	if cfg.Bluetooth.ConnParams, err = ble.ParseConnParams(fc.Bluetooth.ConnectionParams); err != nil {
		return configError("bluetooth.connection_params: %w", err)
	}

	for _, raw := range fc.Bluetooth.AllowedAddresses {
		addr, err := net.ParseMAC(raw)

		if err != nil {
			return configError("bluetooth.allowed_addresses: %w", err)
		}

		cfg.Bluetooth.AllowedAddresses = append(cfg.Bluetooth.AllowedAddresses, addr)
	}

	if fc.Retry.Attempts != nil {
		cfg.Retry.Attempts = *fc.Retry.Attempts
	}

	if fc.Report.BreakerFailures != nil {
		cfg.Report.BreakerFailures = *fc.Report.BreakerFailures
	}

	cfg.MetricsBind = fc.Metrics.Bind

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"bluetooth.discovery_window", fc.Bluetooth.DiscoveryWindow, &cfg.Bluetooth.DiscoveryWindow},
		{"session.settle_delay", fc.Session.SettleDelay, &cfg.Session.SettleDelay},
		{"session.battery_poll_interval", fc.Session.BatteryPollInterval, &cfg.Session.BatteryPollInterval},
		{"retry.backoff", fc.Retry.Backoff, &cfg.Retry.Backoff},
		{"report.timeout", fc.Report.Timeout, &cfg.Report.Timeout},
		{"report.breaker_timeout", fc.Report.BreakerTimeout, &cfg.Report.BreakerTimeout},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}

		v, err := time.ParseDuration(d.raw)

		if err != nil {
			return configError("%s: %w", d.key, err)
		}

		*d.dst = v
	}

	return nil
}

func (c *config) Validate() error {
	if c.URL != "" {
		if err := report.ValidateURL(c.URL); err != nil {
			return configError("url: %w", err)
		}
	}

	if c.Logging.RetentionDays <= 0 {
		return configError("logging.retention_days must be positive, got %d", c.Logging.RetentionDays)
	}

	if c.Bluetooth.DeviceID < 0 {
		return configError("bluetooth.device_id must not be negative, got %d", c.Bluetooth.DeviceID)
	}

	if c.Bluetooth.DiscoveryWindow <= 0 {
		return configError("bluetooth.discovery_window must be positive, got %v", c.Bluetooth.DiscoveryWindow)
	}

	if c.Session.SettleDelay < 0 {
		return configError("session.settle_delay must not be negative, got %v", c.Session.SettleDelay)
	}

	if c.Session.BatteryPollInterval <= 0 {
		return configError("session.battery_poll_interval must be positive, got %v", c.Session.BatteryPollInterval)
	}

	if c.Retry.Attempts < 1 {
		return configError("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}

	if c.Retry.Backoff < 0 {
		return configError("retry.backoff must not be negative, got %v", c.Retry.Backoff)
	}

	if c.Report.Timeout <= 0 {
		return configError("report.timeout must be positive, got %v", c.Report.Timeout)
	}

	if c.Report.BreakerFailures == 0 {
		return configError("report.breaker_failures must be positive")
	}

	if c.Report.BreakerTimeout <= 0 {
		return configError("report.breaker_timeout must be positive, got %v", c.Report.BreakerTimeout)
	}

	return nil
}

func (c *config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("URL", c.URL).
		Stringer("LogLevel", c.Logging.Level).
		Int("RetentionDays", c.Logging.RetentionDays).
		Str("LogPath", c.Logging.Path).
		Int("BluetoothDeviceID", c.Bluetooth.DeviceID).
		Str("DeviceName", c.Bluetooth.DeviceName).
		Dur("DiscoveryWindow", c.Bluetooth.DiscoveryWindow).
		Str("ConnParams", string(c.Bluetooth.ConnParams)).
		Int("AllowedAddresses", len(c.Bluetooth.AllowedAddresses)).
		Bool("ConcurrentSessions", c.Bluetooth.ConcurrentSessions).
		Dur("SettleDelay", c.Session.SettleDelay).
		Dur("BatteryPollInterval", c.Session.BatteryPollInterval).
		Int("RetryAttempts", c.Retry.Attempts).
		Dur("RetryBackoff", c.Retry.Backoff).
		Dur("ReportTimeout", c.Report.Timeout).
		Str("MetricsBind", c.MetricsBind)
}

// parseLevel maps the level names used in config files to zerolog levels.
func parseLevel(v string) (zerolog.Level, error) {
	switch strings.ToUpper(v) {
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARNING", "WARN":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "CRITICAL":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, configError("logging.level: unknown level %q", v)
	}
}

func configError(format string, args ...any) error {
	return device.Wrap(device.KindConfiguration, "config", fmt.Errorf(format, args...))
}
