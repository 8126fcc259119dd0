// Package config manages bacnetd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and (for the BDT file
// specifically) fsnotify-driven hot reload.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete bacnetd configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Ports   []PortConfig  `koanf:"ports"`
	BVLC    BVLCConfig    `koanf:"bvlc"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PortConfig describes one MS/TP RS-485 link to bring up on startup.
type PortConfig struct {
	// Name labels the port in logs and metrics.
	Name string `koanf:"name"`

	// Device is the serial device path (e.g. "/dev/ttyUSB0").
	Device string `koanf:"device"`

	// GPIORTSPin, if non-empty, wraps the serial driver with
	// gpiortsdriver for software DE/RE control instead of relying on
	// the UART's own RS-485 direction line.
	GPIORTSPin string `koanf:"gpio_rts_pin"`

	// Baud is the initial baud rate the port is opened at; with AutoBaud
	// it also selects the rung of the probe ladder the search starts on.
	Baud int `koanf:"baud"`

	// AutoBaud enables the fixed-ladder auto-baud-detection algorithm.
	AutoBaud bool `koanf:"auto_baud"`

	// ThisStation is the station's MAC address (0-127, ignored when
	// ZeroConfig is enabled). Slave-only operation is selected by
	// SlaveMode, not by the station number.
	ThisStation uint8 `koanf:"this_station"`

	// MaxMaster bounds the master address space this node polls.
	MaxMaster uint8 `koanf:"max_master"`

	// MaxInfoFrames caps frames transmitted per token hold.
	MaxInfoFrames int `koanf:"max_info_frames"`

	// SlaveMode disables token passing: the port only answers polls.
	SlaveMode bool `koanf:"slave_mode"`

	// ZeroConfig enables automatic station-address claiming instead of
	// using ThisStation directly.
	ZeroConfig bool `koanf:"zero_config"`
}

// BVLCConfig holds the IP-side forwarding configuration.
type BVLCConfig struct {
	// IPv4 configures a BACnet/IPv4 BVLC gateway; empty Listen disables it.
	IPv4 BVLCV4Config `koanf:"ipv4"`

	// IPv6 configures a BACnet/IPv6 BVLC gateway; empty Listen disables it.
	IPv6 BVLCV6Config `koanf:"ipv6"`
}

// BVLCV4Config configures the IPv4 BVLC gateway.
type BVLCV4Config struct {
	// Listen is the local "ip:port" to bind (e.g. "0.0.0.0:47808").
	Listen string `koanf:"listen"`

	// Interface is the network interface for SO_BINDTODEVICE (optional).
	Interface string `koanf:"interface"`

	// BBMD enables this node to act as a BACnet Broadcast Management
	// Device: forwarding broadcasts to the BDT and FDT.
	BBMD bool `koanf:"bbmd"`

	// BDTFile, when set, is watched with fsnotify and reloaded on
	// change without restarting the daemon.
	BDTFile string `koanf:"bdt_file"`
}

// BVLCV6Config configures the IPv6 BVLC gateway.
type BVLCV6Config struct {
	// Listen is the local "[ip]:port" to bind.
	Listen string `koanf:"listen"`

	// Interface is the network interface to join the multicast group on.
	Interface string `koanf:"interface"`

	// MulticastGroup is the BACnet/IPv6 multicast address (e.g.
	// "[FF05::BAC0]:47808").
	MulticastGroup string `koanf:"multicast_group"`

	// BBMD enables BBMD-style forwarding over the multicast group.
	BBMD bool `koanf:"bbmd"`

	// DeviceInstance derives this node's virtual MAC via VMACFromInstance.
	DeviceInstance uint32 `koanf:"device_instance"`

	// BDTFile is accepted for symmetry with the IPv4 section; the daemon
	// does not read it, so the IPv6 gateway's BDT is not loaded from a file.
	BDTFile string `koanf:"bdt_file"`
}

// ListenAddrPort parses Listen as a netip.AddrPort.
func (c BVLCV4Config) ListenAddrPort() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Listen)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse bvlc.ipv4.listen %q: %w", c.Listen, err)
	}
	return ap, nil
}

// ListenAddrPort parses Listen as a netip.AddrPort.
func (c BVLCV6Config) ListenAddrPort() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Listen)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse bvlc.ipv6.listen %q: %w", c.Listen, err)
	}
	return ap, nil
}

// MulticastAddrPort parses MulticastGroup as a netip.AddrPort.
func (c BVLCV6Config) MulticastAddrPort() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.MulticastGroup)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse bvlc.ipv6.multicast_group %q: %w", c.MulticastGroup, err)
	}
	return ap, nil
}

// DefaultConfig returns a Config populated with sensible defaults: no
// ports and no BVLC listener (the operator must declare at least one
// of the two) and the metrics/log sections enabled.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BVLC: BVLCConfig{
			IPv6: BVLCV6Config{MulticastGroup: "[FF05::BAC0]:47808"},
		},
	}
}

// envPrefix is the environment variable prefix for bacnetd configuration.
// Variables are named BACNETD_<section>_<key>, e.g., BACNETD_METRICS_ADDR.
const envPrefix = "BACNETD_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (BACNETD_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BACNETD_METRICS_ADDR -> metrics.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"bvlc.ipv6.multicast_group": defaults.BVLC.IPv6.MulticastGroup,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrNoPorts               = errors.New("at least one MS/TP port or a BVLC listener must be configured")
	ErrInvalidPortStation    = errors.New("port this_station must be <= 127 unless zero_config is enabled")
	ErrInvalidMaxMaster      = errors.New("port max_master must be <= 127")
	ErrDuplicatePortName     = errors.New("duplicate port name")
	ErrInvalidBVLCListenAddr = errors.New("invalid bvlc listen address")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if len(cfg.Ports) == 0 && cfg.BVLC.IPv4.Listen == "" && cfg.BVLC.IPv6.Listen == "" {
		return ErrNoPorts
	}

	seen := make(map[string]struct{}, len(cfg.Ports))
	for i, pc := range cfg.Ports {
		if !pc.ZeroConfig && pc.ThisStation > 127 {
			return fmt.Errorf("ports[%d]: %w", i, ErrInvalidPortStation)
		}
		if pc.MaxMaster > 127 {
			return fmt.Errorf("ports[%d]: %w", i, ErrInvalidMaxMaster)
		}
		if _, dup := seen[pc.Name]; dup {
			return fmt.Errorf("ports[%d] name %q: %w", i, pc.Name, ErrDuplicatePortName)
		}
		seen[pc.Name] = struct{}{}
	}

	if cfg.BVLC.IPv4.Listen != "" {
		if _, err := cfg.BVLC.IPv4.ListenAddrPort(); err != nil {
			return fmt.Errorf("bvlc.ipv4: %w: %w", ErrInvalidBVLCListenAddr, err)
		}
	}
	if cfg.BVLC.IPv6.Listen != "" {
		if _, err := cfg.BVLC.IPv6.ListenAddrPort(); err != nil {
			return fmt.Errorf("bvlc.ipv6: %w: %w", ErrInvalidBVLCListenAddr, err)
		}
	}

	return nil
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reloadDebounce is the minimum spacing between BDT file fsnotify
// events before a reload is triggered, avoiding a reload storm from
// editors that write-then-rename.
const reloadDebounce = 200 * time.Millisecond
