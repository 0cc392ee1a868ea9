package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig
	Telegram TelegramConfig
	Schedule ScheduleConfig
	Database DatabaseConfig
	Server   ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// TelegramConfig holds the channel source configuration
type TelegramConfig struct {
	BaseURL              string
	UserAgent            string
	Channels             []string
	LookbackDays         int
	MaxRequestsPerMinute int
}

// ScheduleConfig is the local time of the daily scrape
type ScheduleConfig struct {
	Hour   int
	Minute int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                 int
	MaxRequestsPerMinute int
}

// LoadConfig loads configuration from the environment, after applying the .env file if there is one
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Debug("No .env file, using environment only")
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Telegram Tracker"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Telegram: TelegramConfig{
			BaseURL:              getEnv("TG_BASE_URL", "https://t.me"),
			UserAgent:            getEnv("TG_USER_AGENT", "telegram-tracker/1.0"),
			Channels:             parseChannels(getEnv("TG_CHANNELS", "")),
			LookbackDays:         getEnvAsInt("LOOKBACK_DAYS", 7),
			MaxRequestsPerMinute: getEnvAsInt("TG_MAX_REQUESTS_PER_MINUTE", 30),
		},
		Schedule: ScheduleConfig{
			Hour:   getEnvAsInt("SCHEDULE_HOUR", 9),
			Minute: getEnvAsInt("SCHEDULE_MINUTE", 0),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/scraper.db"),
		},
		Server: ServerConfig{
			Port:                 getEnvAsInt("SERVER_PORT", 8080),
			MaxRequestsPerMinute: getEnvAsInt("SERVER_MAX_REQUESTS_PER_MINUTE", 120),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// parseChannels parses a comma-separated list of channels, dropping any leading @
func parseChannels(channelsStr string) []string {
	parts := strings.Split(channelsStr, ",")

	channels := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimPrefix(strings.TrimSpace(part), "@")
		if trimmed != "" {
			channels = append(channels, trimmed)
		}
	}

	return channels
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if len(config.Telegram.Channels) == 0 {
		return fmt.Errorf("TG_CHANNELS environment variable is required")
	}
	if config.Telegram.LookbackDays < 1 {
		return fmt.Errorf("LOOKBACK_DAYS must be positive")
	}
	if config.Schedule.Hour < 0 || config.Schedule.Hour > 23 {
		return fmt.Errorf("SCHEDULE_HOUR must be between 0 and 23")
	}
	if config.Schedule.Minute < 0 || config.Schedule.Minute > 59 {
		return fmt.Errorf("SCHEDULE_MINUTE must be between 0 and 59")
	}
	if config.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH environment variable is required")
	}

	return nil
}
