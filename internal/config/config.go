package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database       DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue          QueueConfig    `mapstructure:"queue" validate:"required"`
	Drive          DriveConfig    `mapstructure:"drive"`
	Gemini         GeminiConfig   `mapstructure:"gemini" validate:"required"`
	Limits         LimitsConfig   `mapstructure:"limits"`
	Workers        WorkersConfig  `mapstructure:"workers"`
	Sync           SyncConfig     `mapstructure:"sync"`
	Server         ServerConfig   `mapstructure:"server"`
	IgnorePatterns []string       `mapstructure:"ignore_patterns"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

// QueueConfig holds the NATS JetStream broker settings
type QueueConfig struct {
	URL          string `mapstructure:"url" validate:"required"`
	StreamPrefix string `mapstructure:"stream_prefix"`
}

// DriveConfig holds Google Drive API settings. The service key is optional
// when every folder is accessed through per-user credentials.
type DriveConfig struct {
	ServiceKey string `mapstructure:"service_key"`
}

// GeminiConfig holds captioning/embedding model settings
type GeminiConfig struct {
	APIKey         string `mapstructure:"api_key" validate:"required"`
	ProjectID      string `mapstructure:"project_id"`
	Region         string `mapstructure:"region"`
	CaptionModel   string `mapstructure:"caption_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	Dimension      int    `mapstructure:"dimension" validate:"min=1"`
}

// LimitsConfig holds rate limiter and folder cap settings
type LimitsConfig struct {
	MaxImagesPerFolder int `mapstructure:"max_images_per_folder" validate:"min=0"`
	CaptionPerMinute   int `mapstructure:"caption_per_minute" validate:"min=1"`
	CaptionBurstPerSec int `mapstructure:"caption_burst_per_sec" validate:"min=0"`
	DrivePerMinute     int `mapstructure:"drive_per_minute" validate:"min=1"`
}

// WorkersConfig holds per-queue concurrency settings
type WorkersConfig struct {
	ImageConcurrency  int `mapstructure:"image_concurrency" validate:"min=1,max=30"`
	FolderConcurrency int `mapstructure:"folder_concurrency" validate:"min=1"`
}

// SyncConfig holds the scheduled reconciliation cadence
type SyncConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes" validate:"min=0"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Queue: QueueConfig{
			URL:          "nats://localhost:4222",
			StreamPrefix: "driveseer",
		},
		Gemini: GeminiConfig{
			Region:         "us-central1",
			CaptionModel:   "gemini-1.5-flash",
			EmbeddingModel: "text-embedding-004",
			Dimension:      768,
		},
		Limits: LimitsConfig{
			MaxImagesPerFolder: 0, // unlimited
			CaptionPerMinute:   15,
			CaptionBurstPerSec: 5,
			DrivePerMinute:     10000,
		},
		Workers: WorkersConfig{
			ImageConcurrency:  5,
			FolderConcurrency: 5,
		},
		Sync: SyncConfig{
			IntervalMinutes: 60,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("queue.url", defaults.Queue.URL)
	v.SetDefault("queue.stream_prefix", defaults.Queue.StreamPrefix)
	v.SetDefault("gemini.region", defaults.Gemini.Region)
	v.SetDefault("gemini.caption_model", defaults.Gemini.CaptionModel)
	v.SetDefault("gemini.embedding_model", defaults.Gemini.EmbeddingModel)
	v.SetDefault("gemini.dimension", defaults.Gemini.Dimension)
	v.SetDefault("limits.max_images_per_folder", defaults.Limits.MaxImagesPerFolder)
	v.SetDefault("limits.caption_per_minute", defaults.Limits.CaptionPerMinute)
	v.SetDefault("limits.caption_burst_per_sec", defaults.Limits.CaptionBurstPerSec)
	v.SetDefault("limits.drive_per_minute", defaults.Limits.DrivePerMinute)
	v.SetDefault("workers.image_concurrency", defaults.Workers.ImageConcurrency)
	v.SetDefault("workers.folder_concurrency", defaults.Workers.FolderConcurrency)
	v.SetDefault("sync.interval_minutes", defaults.Sync.IntervalMinutes)
	v.SetDefault("server.addr", defaults.Server.Addr)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("DRIVESEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Gemini.APIKey = os.ExpandEnv(cfg.Gemini.APIKey)
	cfg.Drive.ServiceKey = os.ExpandEnv(cfg.Drive.ServiceKey)

	// Validate
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "driveseer")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "driveseer")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "driveseer")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "driveseer")
	}
}

// GetConfigDir returns the config directory, creating it if needed
func GetConfigDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}
