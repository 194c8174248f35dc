// Package config loads controller runtime configuration from file,
// environment, and flags.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of one controller process.
// Flags override file values; environment variables use the PDSNO_ prefix
// (PDSNO_MQTT_BROKER, PDSNO_DB_PATH, ...).
type Config struct {
	ControllerType string `mapstructure:"controller_type"`
	ControllerID   string `mapstructure:"controller_id"`
	Region         string `mapstructure:"region"`
	ParentID       string `mapstructure:"parent_id"`
	ParentURL      string `mapstructure:"parent_url"`

	ListenAddr string `mapstructure:"listen_addr"`
	Port       int    `mapstructure:"port"`
	EnableTLS  bool   `mapstructure:"enable_tls"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`

	DBPath     string `mapstructure:"db_path"`
	MQTTBroker string `mapstructure:"mqtt_broker"`

	Subnet            string        `mapstructure:"subnet"`
	Interface         string        `mapstructure:"interface"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	SNMPCommunity     string        `mapstructure:"snmp_community"`

	BootstrapSecret string `mapstructure:"bootstrap_secret"`
	SharedSecret    string `mapstructure:"shared_secret"`

	AllowedRegions []string `mapstructure:"allowed_regions"`
	RegionQuota    int      `mapstructure:"region_quota"`

	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

// Defaults applied before file and env values.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "pdsno.db")
	v.SetDefault("discovery_interval", 5*time.Minute)
	v.SetDefault("snmp_community", "public")
	v.SetDefault("approval_timeout", 60*time.Minute)
	v.SetDefault("region_quota", 8)
}

// Load reads an optional YAML config file and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("PDSNO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows; bind every config
	// key so PDSNO_<KEY> applies even without a default or file value.
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = v.BindEnv(key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field requirements per controller type.
func (c *Config) Validate() error {
	switch c.ControllerType {
	case "global":
	case "regional", "local":
		if c.Region == "" {
			return fmt.Errorf("region is required for %s controllers", c.ControllerType)
		}
	default:
		return fmt.Errorf("unknown controller type %q", c.ControllerType)
	}
	if c.ControllerID == "" {
		return errors.New("controller id is required")
	}
	if c.ControllerType == "local" && c.Subnet == "" {
		return errors.New("subnet is required for local controllers")
	}
	if c.EnableTLS && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("tls requires cert and key files")
	}
	if len(c.BootstrapSecret) > 0 && len(c.BootstrapSecret) < 32 {
		return errors.New("bootstrap secret must be at least 32 bytes")
	}
	return nil
}

// ListenHostPort renders the transport bind address.
func (c *Config) ListenHostPort() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.Port)
}
