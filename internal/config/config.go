package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/roomsync/roomsync/pkg/logger"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Client   ClientConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	HistoryLimit int
	MessageRate  float64
	MessageBurst int
}

type DatabaseConfig struct {
	// URL is empty when messages are kept in memory.
	URL string
}

type JWTConfig struct {
	Secret    []byte
	ExpiresIn time.Duration
}

type ClientConfig struct {
	URL          string
	Namespace    string
	Address      string
	DisplayName  string
	Token        string
	TypingIdle   time.Duration
	TypingTTL    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("error loading .env file: %v", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := getDurationOrDefault(key, def)
		if err != nil {
			errs = append(errs, err)
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("invalid duration for %s: %s is negative", key, d))
		}
		return d
	}
	integer := func(key string, def int) int {
		n, err := getIntOrDefault(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("PORT", ":8080"),
			ReadTimeout:  duration("READ_TIMEOUT", "15s"),
			WriteTimeout: duration("WRITE_TIMEOUT", "15s"),
			HistoryLimit: integer("HISTORY_LIMIT", 100),
			MessageBurst: integer("MESSAGE_BURST", 5),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		JWT: JWTConfig{
			Secret:    []byte(os.Getenv("JWT_SECRET")),
			ExpiresIn: duration("JWT_EXPIRES_IN", "24h"),
		},
		Client: ClientConfig{
			URL:          getEnvOrDefault("ROOMSYNC_URL", "ws://localhost:8080/ws"),
			Namespace:    getEnvOrDefault("ROOMSYNC_NAMESPACE", "chat"),
			Address:      os.Getenv("ROOMSYNC_ADDRESS"),
			DisplayName:  os.Getenv("ROOMSYNC_DISPLAY_NAME"),
			Token:        os.Getenv("ROOMSYNC_TOKEN"),
			TypingIdle:   duration("TYPING_IDLE", "2s"),
			TypingTTL:    duration("TYPING_TTL", "6s"),
			ReconnectMin: duration("RECONNECT_MIN", "1s"),
			ReconnectMax: duration("RECONNECT_MAX", "30s"),
		},
		Log: LogConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
			JSON:  os.Getenv("LOG_FORMAT") == "json",
		},
	}

	rate, err := getFloatOrDefault("MESSAGE_RATE", 2)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Server.MessageRate = rate

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return duration, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return intValue, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return f, nil
}
