// Package config loads the YAML configuration shared by the central,
// peripheral and simulator commands.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/user/blepair/central"
	"github.com/user/blepair/link"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/peripheral"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/radio/sim"
	"github.com/user/blepair/util"
	"github.com/user/blepair/wire/debug"
)

// Default vendor UUIDs, bytes in transmitted order
const (
	DefaultServiceUUID        = "00ffeedd-ccbb-aa99-8877-665544332211"
	DefaultCharacteristicUUID = "00ffeedd-ccbb-aa99-8877-665544332212"
)

// Config holds all application configuration.
type Config struct {
	LogLevel           string           `yaml:"log_level"`
	EventLog           bool             `yaml:"event_log"`
	ServiceUUID        string           `yaml:"service_uuid"`
	CharacteristicUUID string           `yaml:"characteristic_uuid"`
	Central            CentralConfig    `yaml:"central"`
	Peripheral         PeripheralConfig `yaml:"peripheral"`
	Sim                SimConfig        `yaml:"sim"`
}

// CentralConfig holds scanner and discovery settings.
type CentralConfig struct {
	ScanMode             string `yaml:"scan_mode"` // "active" or "passive"
	RescanOnDisconnect   bool   `yaml:"rescan_on_disconnect"`
	RediscoverOnSecurity string `yaml:"rediscover_on_security"` // never, max_level, any_level
}

// PeripheralConfig holds advertiser and notification source settings.
type PeripheralConfig struct {
	TickInterval            time.Duration `yaml:"tick_interval"`
	SecurityLevel           string        `yaml:"security_level"`    // L1..L4
	ManufacturerData        string        `yaml:"manufacturer_data"` // hex
	UserDescription         string        `yaml:"user_description"`
	ReadvertiseOnDisconnect bool          `yaml:"readvertise_on_disconnect"`
}

// SimConfig holds simulated radio settings used by blesim.
type SimConfig struct {
	AdvInterval           time.Duration `yaml:"adv_interval"`
	ConnectionFailureRate float64       `yaml:"connection_failure_rate"`
	EnableRSSI            bool          `yaml:"enable_rssi"`
	Distance              float64       `yaml:"distance"`     // meters
	PacketTrace           bool          `yaml:"packet_trace"` // JSONL trace of ATT frames
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(util.GetDataDir(), "config.yaml")
}

// Default returns a Config with the default service, an active first scan
// and a 100ms notification tick.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		Central: CentralConfig{
			ScanMode:             "active",
			RescanOnDisconnect:   true,
			RediscoverOnSecurity: "max_level",
		},
		Peripheral: PeripheralConfig{
			TickInterval:            100 * time.Millisecond,
			SecurityLevel:           "L1",
			ManufacturerData:        hex.EncodeToString(peripheral.DefaultManufacturerData),
			UserDescription:         "User",
			ReadvertiseOnDisconnect: true,
		},
		Sim: SimConfig{
			AdvInterval: 100 * time.Millisecond,
			Distance:    1.0,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	if _, err := ParseUUID(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if _, err := ParseUUID(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid: %w", err)
	}

	if _, err := parseScanMode(c.Central.ScanMode); err != nil {
		return err
	}
	if _, err := link.ParseRediscoverPolicy(c.Central.RediscoverOnSecurity); err != nil {
		return fmt.Errorf("central.rediscover_on_security must be never, max_level, or any_level, got %q", c.Central.RediscoverOnSecurity)
	}

	if c.Peripheral.TickInterval <= 0 {
		return fmt.Errorf("peripheral.tick_interval must be > 0")
	}
	if _, err := ParseSecurityLevel(c.Peripheral.SecurityLevel); err != nil {
		return err
	}
	if _, err := hex.DecodeString(c.Peripheral.ManufacturerData); err != nil {
		return fmt.Errorf("peripheral.manufacturer_data must be hex: %w", err)
	}

	if c.Sim.AdvInterval <= 0 {
		return fmt.Errorf("sim.adv_interval must be > 0")
	}
	if c.Sim.ConnectionFailureRate < 0 || c.Sim.ConnectionFailureRate > 1 {
		return fmt.Errorf("sim.connection_failure_rate must be within [0, 1], got %v", c.Sim.ConnectionFailureRate)
	}
	return nil
}

// ParseUUID parses a 128-bit UUID, hyphenated or as 32 hex digits. The
// returned bytes keep the order of the string.
func ParseUUID(s string) ([]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u[:], nil
}

// ParseSecurityLevel parses L1 through L4
func ParseSecurityLevel(s string) (radio.SecurityLevel, error) {
	for level := radio.SecurityLow; level <= radio.SecurityMax; level++ {
		if strings.EqualFold(s, level.String()) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("peripheral.security_level must be L1, L2, L3, or L4, got %q", s)
}

func parseScanMode(s string) (radio.ScanMode, error) {
	switch s {
	case "active":
		return radio.ScanActive, nil
	case "passive":
		return radio.ScanPassive, nil
	default:
		return 0, fmt.Errorf("central.scan_mode must be \"active\" or \"passive\", got %q", s)
	}
}

// Level returns the configured logger level
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// CentralOptions converts the config into central options. The config must
// be valid.
func (c *Config) CentralOptions() (central.Options, error) {
	service, characteristic, err := c.uuids()
	if err != nil {
		return central.Options{}, err
	}
	opts := central.DefaultOptions(service, characteristic)
	if opts.ScanMode, err = parseScanMode(c.Central.ScanMode); err != nil {
		return central.Options{}, err
	}
	opts.RescanOnDisconnect = c.Central.RescanOnDisconnect
	if opts.Rediscover, err = link.ParseRediscoverPolicy(c.Central.RediscoverOnSecurity); err != nil {
		return central.Options{}, err
	}
	if opts.EventLog, err = c.eventLog(radio.RoleCentral); err != nil {
		return central.Options{}, err
	}
	return opts, nil
}

// PeripheralOptions converts the config into peripheral options. The
// config must be valid.
func (c *Config) PeripheralOptions() (peripheral.Options, error) {
	service, characteristic, err := c.uuids()
	if err != nil {
		return peripheral.Options{}, err
	}
	opts := peripheral.DefaultOptions(service, characteristic)
	opts.UserDescription = c.Peripheral.UserDescription
	opts.ReadvertiseOnDisconnect = c.Peripheral.ReadvertiseOnDisconnect
	opts.TickInterval = c.Peripheral.TickInterval
	if opts.SecurityLevel, err = ParseSecurityLevel(c.Peripheral.SecurityLevel); err != nil {
		return peripheral.Options{}, err
	}
	if opts.ManufacturerData, err = hex.DecodeString(c.Peripheral.ManufacturerData); err != nil {
		return peripheral.Options{}, fmt.Errorf("peripheral.manufacturer_data: %w", err)
	}
	if opts.EventLog, err = c.eventLog(radio.RolePeripheral); err != nil {
		return peripheral.Options{}, err
	}
	return opts, nil
}

func (c *Config) uuids() (service, characteristic []byte, err error) {
	if service, err = ParseUUID(c.ServiceUUID); err != nil {
		return nil, nil, err
	}
	if characteristic, err = ParseUUID(c.CharacteristicUUID); err != nil {
		return nil, nil, err
	}
	return service, characteristic, nil
}

// eventLog returns the lifecycle log for role, nil when disabled
func (c *Config) eventLog(role radio.Role) (*link.EventLog, error) {
	if !c.EventLog {
		return nil, nil
	}
	dir, err := util.GetRoleDir(role.String())
	if err != nil {
		return nil, fmt.Errorf("event log directory: %w", err)
	}
	return link.NewEventLog(filepath.Join(dir, "lifecycle.jsonl")), nil
}

// PacketTracer returns the sim ATT frame tracer, nil when disabled
func (c *Config) PacketTracer() (*debug.Tracer, error) {
	if !c.Sim.PacketTrace {
		return nil, nil
	}
	dir, err := util.GetRoleDir("sim")
	if err != nil {
		return nil, fmt.Errorf("packet trace directory: %w", err)
	}
	return debug.NewTracer(filepath.Join(dir, "att_packets.jsonl")), nil
}

// Radio returns the simulated radio configuration
func (c *Config) Radio() *sim.Config {
	rc := sim.DefaultConfig()
	rc.ConnectionFailureRate = c.Sim.ConnectionFailureRate
	rc.EnableRSSI = c.Sim.EnableRSSI
	rc.Distance = c.Sim.Distance
	return rc
}
