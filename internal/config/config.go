package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// WebhookConfig describes one asynchronous, webhook-triggered executor backend
type WebhookConfig struct {
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	TimeoutSec int    `mapstructure:"timeout_sec" validate:"gte=1"`
}

func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSec) * time.Second
}

// Config holds the application configuration
type Config struct {
	Database struct {
		Host     string `mapstructure:"host" validate:"required"`
		Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name" validate:"required"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	} `mapstructure:"server"`

	// Queue is the Redis list the activity feed is pushed to
	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
	} `mapstructure:"queue"`

	Dispatch struct {
		DefaultWorkerID string `mapstructure:"default_worker_id"`
		CallbackBaseURL string `mapstructure:"callback_base_url" validate:"required,url"`
	} `mapstructure:"dispatch"`

	Executors struct {
		N8N  WebhookConfig `mapstructure:"n8n"`
		Claw struct {
			WebhookConfig `mapstructure:",squash"`
			Allowlist     []string `mapstructure:"allowlist" validate:"dive,required"`
		} `mapstructure:"claw"`
	} `mapstructure:"executors"`

	RateLimit struct {
		MaxConcurrentPerCustomer int    `mapstructure:"max_concurrent_per_customer" validate:"gte=1"`
		MaxPerCustomerPerHour    int    `mapstructure:"max_per_customer_per_hour" validate:"gte=1"`
		MaxGlobalPerHour         int    `mapstructure:"max_global_per_hour" validate:"gte=1"`
		OnError                  string `mapstructure:"on_error" validate:"oneof=allow deny"`
	} `mapstructure:"rate_limit"`

	Reaper struct {
		IntervalSec   int `mapstructure:"interval_sec" validate:"gte=1"`
		RunTimeoutMin int `mapstructure:"run_timeout_min" validate:"gte=1"`
		BatchSize     int `mapstructure:"batch_size" validate:"gte=0"`
	} `mapstructure:"reaper"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error fatal panic disabled"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*Config, error) {
	loadDotEnv()

	// can specify config path from environment
	if path, exists := os.LookupEnv("TE_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no config file at all, run purely from defaults and environment
		config = &Config{}
		if err := v.Unmarshal(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// loadDotEnv loads a .env file in the working directory, if one exists. Variables that are already
// set in the environment take precedence.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Could not load .env file")
	}
}

// newViper creates a viper instance with default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "taskengine")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Activity queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Dispatch defaults
	v.SetDefault("dispatch.default_worker_id", "")
	v.SetDefault("dispatch.callback_base_url", "http://localhost:8080")

	// Executor defaults
	v.SetDefault("executors.n8n.base_url", "")
	v.SetDefault("executors.n8n.timeout_sec", 30)
	v.SetDefault("executors.claw.base_url", "")
	v.SetDefault("executors.claw.timeout_sec", 30)
	v.SetDefault("executors.claw.allowlist", []string{"research", "analysis", "outreach"})

	// Rate limit defaults
	v.SetDefault("rate_limit.max_concurrent_per_customer", 2)
	v.SetDefault("rate_limit.max_per_customer_per_hour", 10)
	v.SetDefault("rate_limit.max_global_per_hour", 50)
	v.SetDefault("rate_limit.on_error", "allow")

	// Reaper defaults
	v.SetDefault("reaper.interval_sec", 60)
	v.SetDefault("reaper.run_timeout_min", 15)
	v.SetDefault("reaper.batch_size", 500)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("TE")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*Config, error) {
	var config Config

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// ServerAddress returns the host:port the API server listens on
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Reaper.RunTimeoutMin) * time.Minute
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSec) * time.Second
}
