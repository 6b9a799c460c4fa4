// ABOUTME: Configuration loading and parsing for the dubhe hub
// ABOUTME: YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Room policy values accepted in rooms.policy.
const (
	RoomPolicyDedicated = "dedicated" // one room per agent
	RoomPolicyShared    = "shared"    // one room per owner, bound agents share it
)

// Config represents the complete dubhe configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Identity IdentityConfig `yaml:"identity"`
	Audit    AuditConfig    `yaml:"audit"`
	Chain    ChainConfig    `yaml:"chain"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// APIBase is the externally reachable API root advertised by the
	// discovery endpoint. Optional; omitted from discovery when empty.
	APIBase string `yaml:"api_base"`
}

// StorageConfig selects the persistence backend. Switching backends must
// not change any observable API behavior.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory, sqlite, postgres, mysql
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MySQLDSN    string `yaml:"mysql_dsn"`
}

// MatrixConfig holds the homeserver connection for the channel collaborator.
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// RoomsConfig selects the room scoping policy.
type RoomsConfig struct {
	Policy string `yaml:"policy"` // dedicated (default) or shared
}

// DeliveryConfig holds retry tuning for the delivery pipeline.
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"-"`
	SendTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryBaseRaw   string `yaml:"retry_base"`
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// IdentityConfig holds retry tuning for asynchronous DID registration.
type IdentityConfig struct {
	DIDMaxAttempts int           `yaml:"did_max_attempts"`
	DIDRetryBase   time.Duration `yaml:"-"`

	DIDRetryBaseRaw string `yaml:"did_retry_base"`
}

// AuditConfig holds the policy/audit service endpoints. Empty endpoints
// disable the corresponding report (skipped, logged at debug).
type AuditConfig struct {
	MessageURL        string `yaml:"message_url"`
	DecisionURL       string `yaml:"decision_url"`
	PermissionInitURL string `yaml:"permission_init_url"`
}

// ChainConfig holds the chain DID service base URL (e.g. http://chain:8080/chain).
type ChainConfig struct {
	BaseURL string `yaml:"base_url"`
}

// AuthConfig holds authentication configuration for the admin API.
type AuthConfig struct {
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero values that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Rooms.Policy == "" {
		c.Rooms.Policy = RoomPolicyDedicated
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 4
	}
	if c.Delivery.RetryBase <= 0 {
		c.Delivery.RetryBase = 200 * time.Millisecond
	}
	if c.Delivery.SendTimeout <= 0 {
		c.Delivery.SendTimeout = 30 * time.Second
	}
	if c.Identity.DIDMaxAttempts <= 0 {
		c.Identity.DIDMaxAttempts = 5
	}
	if c.Identity.DIDRetryBase <= 0 {
		c.Identity.DIDRetryBase = time.Second
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			return fmt.Errorf("storage.mysql_dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, postgres, mysql (got %q)", c.Storage.Backend)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Rooms.Policy != RoomPolicyDedicated && c.Rooms.Policy != RoomPolicyShared {
		return fmt.Errorf("rooms.policy must be %q or %q (got %q)", RoomPolicyDedicated, RoomPolicyShared, c.Rooms.Policy)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delivery.RetryBaseRaw != "" {
		cfg.Delivery.RetryBase, err = time.ParseDuration(cfg.Delivery.RetryBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing delivery.retry_base %q: %w", cfg.Delivery.RetryBaseRaw, err)
		}
	}

	if cfg.Delivery.SendTimeoutRaw != "" {
		cfg.Delivery.SendTimeout, err = time.ParseDuration(cfg.Delivery.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing delivery.send_timeout %q: %w", cfg.Delivery.SendTimeoutRaw, err)
		}
	}

	if cfg.Identity.DIDRetryBaseRaw != "" {
		cfg.Identity.DIDRetryBase, err = time.ParseDuration(cfg.Identity.DIDRetryBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing identity.did_retry_base %q: %w", cfg.Identity.DIDRetryBaseRaw, err)
		}
	}

	return nil
}
