package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Device polling bounds (seconds).
const (
	// DefaultPollingInterval is used when a device omits polling.
	DefaultPollingInterval = 60

	// MinPollingInterval keeps a misconfigured device from hammering the LAN.
	MinPollingInterval = 5

	// MaxPollingInterval caps polling at one day.
	MaxPollingInterval = 86400

	// tokenHexLength is the length of a miio token in hex characters.
	tokenHexLength = 32
)

// Supported device transports.
const (
	TransportSimulator = "simulator"
)

// Config is the root configuration structure for the miio bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// BridgeConfig identifies this bridge instance on the MQTT bus.
type BridgeConfig struct {
	ID string `yaml:"id"`

	// HealthInterval is how often health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// HistoryRetention is how long state history is kept (hours). 0 keeps everything.
	HistoryRetention int `yaml:"history_retention"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT     JWTConfig    `yaml:"jwt"`
	APIKeys APIKeyConfig `yaml:"api_keys"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// APIKeyConfig contains static API keys, stored as argon2id PHC hashes.
type APIKeyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry is a single named API key.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
	Role string `yaml:"role"`
}

// DeviceConfig describes one supervised miio device.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`

	// Polling is the poll interval in seconds.
	Polling int `yaml:"polling"`

	// Transport selects the device client implementation.
	Transport string `yaml:"transport"`

	// Capabilities are declared for the device at registration. More may be
	// discovered at runtime.
	Capabilities []string `yaml:"capabilities"`

	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig tunes the simulated device transport.
type SimulatorConfig struct {
	// Profile picks the simulated device family (plug, light, vacuum,
	// humidifier2, airmonitor-b1).
	Profile string `yaml:"profile"`

	// FailConnects makes the first N connect attempts fail.
	FailConnects int `yaml:"fail_connects"`

	// EventInterval is how often the simulator pushes a drifting reading (seconds). 0 disables.
	EventInterval int `yaml:"event_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MIIOBRIDGE_SECTION_KEY
// For example: MIIOBRIDGE_DATABASE_PATH, MIIOBRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:               "miio-bridge-01",
			HealthInterval:   30,
			HistoryRetention: 168,
		},
		Database: DatabaseConfig{
			Path:        "./data/miiobridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "miiobridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MIIOBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIIOBRIDGE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	if v := os.Getenv("MIIOBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("MIIOBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MIIOBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MIIOBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("MIIOBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("MIIOBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MIIOBRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// applyDeviceDefaults fills per-device fields the YAML may omit.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Polling == 0 {
			d.Polling = DefaultPollingInterval
		}
		if d.Transport == "" {
			d.Transport = TransportSimulator
		}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can send commands to physical devices, so it never runs
		// with a guessable signing secret.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set MIIOBRIDGE_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	for i, key := range c.Security.APIKeys.Keys {
		if key.Name == "" {
			errs = append(errs, fmt.Sprintf("security.api_keys.keys[%d].name is required", i))
		}
		if !strings.HasPrefix(key.Hash, "$argon2id$") {
			errs = append(errs, fmt.Sprintf("security.api_keys.keys[%d].hash must be an argon2id PHC string", i))
		}
	}

	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateDevices checks every configured device and returns all problems found.
func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))

	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		seen[d.ID] = true

		if d.Address == "" {
			errs = append(errs, prefix+".address is required")
		}
		if err := ValidateToken(d.Token); err != nil {
			errs = append(errs, fmt.Sprintf("%s.token %v", prefix, err))
		}
		if d.Polling < MinPollingInterval {
			errs = append(errs, fmt.Sprintf("%s.polling must be at least %d seconds", prefix, MinPollingInterval))
		} else if d.Polling > MaxPollingInterval {
			errs = append(errs, fmt.Sprintf("%s.polling must be at most %d seconds", prefix, MaxPollingInterval))
		}
		if d.Transport != TransportSimulator {
			errs = append(errs, fmt.Sprintf("%s.transport %q is not supported", prefix, d.Transport))
		}
	}

	return errs
}

// ValidateToken checks that a miio token is 32 hexadecimal characters.
func ValidateToken(token string) error {
	if len(token) != tokenHexLength {
		return fmt.Errorf("must be %d hex characters", tokenHexLength)
	}
	if _, err := hex.DecodeString(token); err != nil {
		return fmt.Errorf("must be hexadecimal")
	}
	return nil
}

// PollingDuration returns the device poll interval as a Duration.
func (d DeviceConfig) PollingDuration() time.Duration {
	return time.Duration(d.Polling) * time.Second
}

// GetHealthInterval returns the bridge health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetHistoryRetention returns how long state history is kept. Zero disables pruning.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Bridge.HistoryRetention) * time.Hour
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
