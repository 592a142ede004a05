// Package config loads orchestrator configuration from the environment,
// optionally overlaid by a YAML file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete orchestrator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	MediaPlayer MediaPlayerConfig `yaml:"mediaPlayer"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Storage    StorageConfig    `yaml:"storage"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP/WS listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host" env:"HOST" default:"0.0.0.0"`
	Port        int      `yaml:"port" env:"PORT" default:"3000"`
	CORSOrigins []string `yaml:"corsOrigins" env:"CORS_ORIGINS"`
}

// MediaPlayerConfig holds media player (VLC-like) connection settings.
type MediaPlayerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"VIDEO_PLAYBACK_ENABLED" default:"true"`
	Host         string        `yaml:"host" env:"VLC_HOST" default:"localhost"`
	Port         int           `yaml:"port" env:"VLC_PORT" default:"8088"`
	Password     string        `yaml:"password" env:"VLC_PASSWORD"`
	PollInterval time.Duration `yaml:"pollInterval" env:"VLC_POLL_INTERVAL" default:"500ms"`
	CommandTimeout time.Duration `yaml:"commandTimeout" env:"VLC_COMMAND_TIMEOUT" default:"2s"`
	IdleLoopFile string        `yaml:"idleLoopFile" env:"VLC_IDLE_LOOP_FILE" default:"idle-loop.mp4"`
}

// CatalogConfig controls where the token catalog document is loaded from.
type CatalogConfig struct {
	Path         string `yaml:"path" env:"TOKENS_PATH" default:"data/tokens.yaml"`
	FallbackPath string `yaml:"fallbackPath" env:"TOKENS_FALLBACK_PATH" default:"data/tokens.fallback.yaml"`
}

// StorageConfig controls the persistence port's data directory.
type StorageConfig struct {
	DataDir           string        `yaml:"dataDir" env:"STORAGE_DATA_DIR" default:"./data/state"`
	OfflineDrainEvery time.Duration `yaml:"offlineDrainEvery" env:"OFFLINE_DRAIN_INTERVAL" default:"10s"`
}

// AdminConfig controls admin authentication.
type AdminConfig struct {
	Password  string        `yaml:"password" env:"ADMIN_PASSWORD" default:"changeme"`
	TokenTTL  time.Duration `yaml:"tokenTTL" env:"ADMIN_TOKEN_TTL" default:"1h"`
	SecretKey string        `yaml:"secretKey" env:"ADMIN_TOKEN_SECRET"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	JSON  bool   `yaml:"json" env:"LOG_JSON" default:"false"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		MediaPlayer: MediaPlayerConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           8088,
			PollInterval:   500 * time.Millisecond,
			CommandTimeout: 2 * time.Second,
			IdleLoopFile:   "idle-loop.mp4",
		},
		Catalog: CatalogConfig{Path: "data/tokens.yaml", FallbackPath: "data/tokens.fallback.yaml"},
		Storage: StorageConfig{DataDir: "./data/state", OfflineDrainEvery: 10 * time.Second},
		Admin:   AdminConfig{Password: "changeme", TokenTTL: time.Hour},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// Load builds a Config from defaults, an optional YAML file, then
// environment variable overrides (environment wins).
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Admin.SecretKey == "" {
		cfg.Admin.SecretKey = "orchestrator-" + cfg.Admin.Password
	}

	return cfg, nil
}

// applyEnvOverrides reads only the variables below. VLC_POLL_INTERVAL,
// VLC_COMMAND_TIMEOUT, VLC_IDLE_LOOP_FILE, TOKENS_FALLBACK_PATH,
// OFFLINE_DRAIN_INTERVAL and ADMIN_TOKEN_TTL appear in the struct tags but
// are not read; those fields come from the defaults or the YAML file only.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("VIDEO_PLAYBACK_ENABLED"); v != "" {
		cfg.MediaPlayer.Enabled = v == "true"
	}
	if v := os.Getenv("VLC_HOST"); v != "" {
		cfg.MediaPlayer.Host = v
	}
	if v := os.Getenv("VLC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MediaPlayer.Port = n
		}
	}
	if v := os.Getenv("VLC_PASSWORD"); v != "" {
		cfg.MediaPlayer.Password = v
	}
	if v := os.Getenv("TOKENS_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}
	if v := os.Getenv("ADMIN_TOKEN_SECRET"); v != "" {
		cfg.Admin.SecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "true"
	}
}
