package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config is the top-level binwatch configuration, shared by the server
// (serve) and client (watch/login/status) commands.
type Config struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig configures the API/gateway process.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP/WebSocket server binds to.
	ListenAddr string `toml:"listen_addr"`
	// JWTSecret is the shared HMAC secret used to verify connection tokens.
	JWTSecret string `toml:"jwt_secret"`
	// NATSURL is the address of the NATS server carrying the change feed.
	NATSURL string `toml:"nats_url"`
	// ChangeSubject is the NATS subject bin row changes are published on.
	ChangeSubject string `toml:"change_subject"`
	// DatabasePath is the sqlite database holding bin records.
	DatabasePath string `toml:"database_path"`
	// StatsInterval controls how often aggregate connection counts are logged.
	StatsInterval Duration `toml:"stats_interval"`
}

// ClientConfig configures the realtime client transport.
type ClientConfig struct {
	// ServerURL is the base URL of the binwatch server (http:// or https://).
	ServerURL string `toml:"server_url"`
	// HeartbeatInterval controls how often the client pings the gateway.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout Duration `toml:"connect_timeout"`
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff Duration `toml:"initial_backoff"`
	// MaxBackoff caps the reconnect delay.
	MaxBackoff Duration `toml:"max_backoff"`
	// MaxReconnectAttempts bounds consecutive failed reconnects before giving up.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	dbPath, err := GetDefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default database path: %w", err)
	}
	return &Config{
		Server: ServerConfig{
			ListenAddr:    "localhost:3001",
			NATSURL:       "nats://localhost:4222",
			ChangeSubject: "bins.changes",
			DatabasePath:  dbPath,
			StatsInterval: Duration{30 * time.Second},
		},
		Client: ClientConfig{
			ServerURL:            "http://localhost:3001",
			HeartbeatInterval:    Duration{30 * time.Second},
			ConnectTimeout:       Duration{10 * time.Second},
			InitialBackoff:       Duration{time.Second},
			MaxBackoff:           Duration{30 * time.Second},
			MaxReconnectAttempts: 5,
		},
	}, nil
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "localhost:3001"
	}
	if c.Server.NATSURL == "" {
		c.Server.NATSURL = "nats://localhost:4222"
	}
	if c.Server.ChangeSubject == "" {
		c.Server.ChangeSubject = "bins.changes"
	}
	if c.Server.DatabasePath == "" {
		if dbPath, err := GetDefaultDBPath(); err == nil {
			c.Server.DatabasePath = dbPath
		}
	}
	if c.Server.StatsInterval.Duration == 0 {
		c.Server.StatsInterval = Duration{30 * time.Second}
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://localhost:3001"
	}
	if c.Client.HeartbeatInterval.Duration == 0 {
		c.Client.HeartbeatInterval = Duration{30 * time.Second}
	}
	if c.Client.ConnectTimeout.Duration == 0 {
		c.Client.ConnectTimeout = Duration{10 * time.Second}
	}
	if c.Client.InitialBackoff.Duration == 0 {
		c.Client.InitialBackoff = Duration{time.Second}
	}
	if c.Client.MaxBackoff.Duration == 0 {
		c.Client.MaxBackoff = Duration{30 * time.Second}
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = 5
	}
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	dbPath := c.Server.DatabasePath
	if dbPath == "" {
		var err error
		dbPath, err = GetDefaultDBPath()
		if err != nil {
			return "", fmt.Errorf("getting default database path: %w", err)
		}
	}

	// Replace the placeholder database_path with the actual path
	template := strings.Replace(configTemplate, "/home/user/.local/share/binwatch/bins.db", dbPath, 1)
	return template, nil
}

// GetDefaultDataDir returns the default data directory for databases
func GetDefaultDataDir() (string, error) {
	// Use XDG_DATA_HOME if set, otherwise use ~/.local/share
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	bwDir := filepath.Join(dataDir, "binwatch")

	if err := os.MkdirAll(bwDir, 0755); err != nil {
		return "", fmt.Errorf("creating data directory %s: %w", bwDir, err)
	}

	return bwDir, nil
}

// GetDefaultDBPath returns the default database path in the user's data directory
func GetDefaultDBPath() (string, error) {
	dataDir, err := GetDefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "bins.db"), nil
}

// GetConfigDir returns the configuration directory for binwatch
func GetConfigDir() (string, error) {
	// Use XDG_CONFIG_HOME if set, otherwise use ~/.config
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	bwConfigDir := filepath.Join(configDir, "binwatch")

	if err := os.MkdirAll(bwConfigDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", bwConfigDir, err)
	}

	return bwConfigDir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
