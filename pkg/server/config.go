package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/textrelay/pkg/protocol"
)

// DefaultPort is used when no valid port is given on the command line.
const DefaultPort = 8080

// EnvPrefix prefixes environment overrides, e.g. TEXTRELAY_STORAGE_ROOT.
const EnvPrefix = "TEXTRELAY"

// Config holds server configuration.
type Config struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`                           // TCP bind address (e.g. ":8080")
	StorageRoot      string        `mapstructure:"storage_root" yaml:"storage_root"`           // parent of the per-user directories
	MaxFileSize      int64         `mapstructure:"max_file_size" yaml:"max_file_size"`         // largest accepted upload, bytes
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"` // 0 waits forever for the username
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`         // per-frame write deadline, 0 = none
	MetricsAddr      string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`           // HTTP bind address for /metrics (empty = disabled)
	MetricsInterval  time.Duration `mapstructure:"metrics_interval" yaml:"metrics_interval"`   // periodic metrics log line, 0 = off
	LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat        string        `mapstructure:"log_format" yaml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ListenAddr(DefaultPort),
		StorageRoot:      ".",
		MaxFileSize:      protocol.DefaultMaxBlob,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		MetricsInterval:  60 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// ListenAddr returns the wildcard bind address for port.
func ListenAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// ParsePort parses a TCP port number in the range 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d: out of range", port)
	}
	return port, nil
}

// PortFromArgs returns the port named by the first positional argument.
// A missing or invalid argument yields DefaultPort and, when invalid, the parse error.
func PortFromArgs(args []string) (int, error) {
	if len(args) == 0 {
		return DefaultPort, nil
	}
	port, err := ParsePort(args[0])
	if err != nil {
		return DefaultPort, err
	}
	return port, nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must not be empty")
	}
	if c.StorageRoot == "" {
		return errors.New("config: storage_root must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: max_file_size must be positive, got %d", c.MaxFileSize)
	}
	if c.HandshakeTimeout < 0 || c.WriteTimeout < 0 || c.MetricsInterval < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	return nil
}

// NewViper returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags to it before passing it to LoadConfig.
func NewViper() *viper.Viper {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("storage_root", cfg.StorageRoot)
	v.SetDefault("max_file_size", cfg.MaxFileSize)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("metrics_interval", cfg.MetricsInterval)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig resolves configuration from v. Precedence:
// defaults < config file < TEXTRELAY_* env vars < flags bound to v.
// An empty path skips the file; a named file that does not exist is an error.
func LoadConfig(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: %s not found", path)
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigYAML renders cfg as YAML, e.g. for --print-config.
func ConfigYAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
