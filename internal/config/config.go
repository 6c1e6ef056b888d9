// Package config handles configuration loading, validation, and persistence
// for the ladder bot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080

	DefaultServerURL = "wss://sim3.psim.us/showdown/websocket"
	DefaultLoginURL  = "https://play.pokemonshowdown.com/action.php"
	DefaultFormat    = "gen8randombattle"

	// Environment overrides for the account, so secrets need not be stored
	// in config.json.
	EnvUsername = "LADDERBOT_USERNAME"
	EnvPassword = "LADDERBOT_PASSWORD"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Showdown        ShowdownData    `json:"showdown"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ShowdownData contains the game server account and matchmaking settings.
type ShowdownData struct {
	ServerURL string `json:"server_url"`
	LoginURL  string `json:"login_url"`

	Username string `json:"username"`
	Password string `json:"password"`

	Format string `json:"format"`
	Team   string `json:"team"`

	SearchRetryDelaySec int `json:"search_retry_delay_sec"`
	ConnectTimeoutSec   int `json:"connect_timeout_sec"`
	LoginTimeoutSec     int `json:"login_timeout_sec"`
	AuthMaxRetries      int `json:"auth_max_retries"`

	// PolicySeed seeds move selection. Zero picks a seed from the clock.
	PolicySeed int64 `json:"policy_seed"`
}

// RetryDelay returns the search retry delay.
func (d ShowdownData) RetryDelay() time.Duration {
	return time.Duration(d.SearchRetryDelaySec) * time.Second
}

// ConnectTimeout returns the websocket dial timeout.
func (d ShowdownData) ConnectTimeout() time.Duration {
	return time.Duration(d.ConnectTimeoutSec) * time.Second
}

// LoginTimeout returns the login request timeout.
func (d ShowdownData) LoginTimeout() time.Duration {
	return time.Duration(d.LoginTimeoutSec) * time.Second
}

// ApplicationData contains bot application configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	History HistoryConfig `json:"history"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	// Token, when set, is required as a bearer token on non-public routes.
	Token string `json:"token"`
}

// HistoryConfig holds battle history storage settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Showdown: ShowdownData{
			ServerURL:           DefaultServerURL,
			LoginURL:            DefaultLoginURL,
			Format:              DefaultFormat,
			Team:                "null",
			SearchRetryDelaySec: 5,
			ConnectTimeoutSec:   30,
			LoginTimeoutSec:     30,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "ladderbot",
			},
			API: APIConfig{
				Enabled:        true,
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"http://localhost:3000"},
				RateLimitRPS:   20,
			},
			History: HistoryConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "history.db"),
				RetentionDays: 30,
				CleanupTime:   "04:00",
			},
		},
	}
}

// Load reads configuration from a JSON file. A missing file is created with
// defaults. Environment overrides are applied after the file is re-saved so
// they never end up on disk.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save config to persist any new default fields.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvUsername); v != "" {
		c.Showdown.Username = v
		log.Debug().Str("env", EnvUsername).Msg("username overridden from environment")
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Showdown.Password = v
		log.Debug().Str("env", EnvPassword).Msg("password overridden from environment")
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold the account password.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetShowdownData returns a copy of the game server configuration.
func (c *Config) GetShowdownData() ShowdownData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Showdown
}

// SetShowdownData updates the game server configuration.
func (c *Config) SetShowdownData(data ShowdownData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Showdown = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(app ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = app
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the account has not been configured.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Showdown.Username == "" || c.Showdown.Password == ""
}
