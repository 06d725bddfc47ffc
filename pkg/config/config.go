package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessors.
//
// Example (~/.rubberduck/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// database:
//   driver: sqlite
//   dsn: /home/me/.rubberduck/rubberduck.db
// model:
//   provider: openai
//   model: gpt-4o-mini
//   api_key: sk-...
// redis:
//   addr: 127.0.0.1:6379
// chat:
//   fixture_phrase: quack quack debug
//   monthly_session_limit: 50
// client:
//   server_url: http://127.0.0.1:8088
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - RUBBERDUCK_PORT overrides server.port, OPENAI_API_KEY fills an empty model.api_key.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Redis    RedisConfig    `yaml:"redis"`
	Chat     ChatConfig     `yaml:"chat"`
	Client   ClientConfig   `yaml:"client"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn,omitempty"`
}

type ModelConfig struct {
	Provider string         `yaml:"provider,omitempty"`
	Model    string         `yaml:"model,omitempty"`
	BaseURL  string         `yaml:"base_url,omitempty"`
	APIKey   string         `yaml:"api_key,omitempty"`
	Extra    map[string]any `yaml:"extra,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type ChatConfig struct {
	FixturePhrase       *string `yaml:"fixture_phrase,omitempty"`
	MonthlySessionLimit *int    `yaml:"monthly_session_limit,omitempty"`
}

type ClientConfig struct {
	ServerURL  string `yaml:"server_url,omitempty"`
	LocalStore string `yaml:"local_store,omitempty"`
}

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8088
	DefaultDriver              = "sqlite"
	DefaultFixturePhrase       = "quack quack debug"
	DefaultMonthlySessionLimit = 50

	appDirName = ".rubberduck"
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, appDirName)
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already present in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads ~/.rubberduck/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", err
	}
	if err := cfg.validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, configFile, nil
}

func (c *AppConfig) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("RUBBERDUCK_PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RUBBERDUCK_PORT %q", v)
		}
		c.Server.Port = &p
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	port := c.Port()
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	switch c.Driver() {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Driver() != "sqlite" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Driver())
	}
	if c.MonthlySessionLimit() < 0 {
		return fmt.Errorf("invalid chat.monthly_session_limit %d", c.MonthlySessionLimit())
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: DefaultDriver},
		Chat: ChatConfig{
			FixturePhrase:       ptr(DefaultFixturePhrase),
			MonthlySessionLimit: ptr(DefaultMonthlySessionLimit),
		},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) Driver() string {
	if c == nil || strings.TrimSpace(c.Database.Driver) == "" {
		return DefaultDriver
	}
	return strings.ToLower(strings.TrimSpace(c.Database.Driver))
}

// DSN returns the database DSN. For sqlite it defaults to a file in the
// config directory.
func (c *AppConfig) DSN() string {
	if c != nil && strings.TrimSpace(c.Database.DSN) != "" {
		return c.Database.DSN
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "rubberduck.db"
	}
	return filepath.Join(configDir, "rubberduck.db")
}

func (c *AppConfig) FixturePhrase() string {
	if c == nil || c.Chat.FixturePhrase == nil {
		return DefaultFixturePhrase
	}
	return strings.TrimSpace(*c.Chat.FixturePhrase)
}

// MonthlySessionLimit returns the cap on new durable conversations per
// calendar month. Zero disables the cap.
func (c *AppConfig) MonthlySessionLimit() int {
	if c == nil || c.Chat.MonthlySessionLimit == nil {
		return DefaultMonthlySessionLimit
	}
	return *c.Chat.MonthlySessionLimit
}

func (c *AppConfig) ServerURL() string {
	if c != nil && strings.TrimSpace(c.Client.ServerURL) != "" {
		return strings.TrimRight(strings.TrimSpace(c.Client.ServerURL), "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Host(), c.Port())
}

// LocalStorePath is the bbolt file holding the anonymous conversation mirror.
func (c *AppConfig) LocalStorePath() string {
	if c != nil && strings.TrimSpace(c.Client.LocalStore) != "" {
		return c.Client.LocalStore
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "local.bolt"
	}
	return filepath.Join(configDir, "local.bolt")
}

func ptr[T any](v T) *T { return &v }
