package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the server process. The port/host pairs match what existing
// clients of the JSON server expect.
const (
	DefaultInPort          = 5555
	DefaultOutPort         = 5556
	DefaultLocalHost       = "localhost"
	DefaultRemoteHost      = "localhost"
	DefaultStorageDir      = "."
	DefaultMaxMessageSize  = 1024 * 1024 // 1MB per message
	DefaultShutdownTimeout = 5 * time.Second
	DefaultLogFile         = "pserver.log"
)

type Config struct {
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Transport
	InPort     int    `env:"PSERVER_IPORT" default:"5555"`      // local port for incoming connections
	OutPort    int    `env:"PSERVER_OPORT" default:"5556"`      // remote port, accepted but not used yet
	LocalHost  string `env:"PSERVER_LHOST" default:"localhost"` // bind host
	RemoteHost string `env:"PSERVER_RHOST" default:"localhost"` // remote host, accepted but not used yet

	// Connection handling
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" default:"1048576"`
	MaxConnections  int           `env:"MAX_CONNECTIONS" default:"0"` // 0 = unlimited
	AcceptRate      float64       `env:"ACCEPT_RATE" default:"0"`     // upgrades per second, 0 = unlimited
	AcceptBurst     int           `env:"ACCEPT_BURST" default:"0"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" default:"0s"` // 0 = wait forever
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"5s"`
	ErrorReplies    bool          `env:"ERROR_REPLIES" default:"false"`

	// File Storage
	StorageDir string `env:"STORAGE_DIR" default:"."`

	// Logging
	LogFile   string `env:"LOG_FILE" default:"pserver.log"`
	LogLevel  string `env:"LOG_LEVEL" default:"debug"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Default returns the configuration used when nothing is set in the environment.
func Default() *Config {
	return &Config{
		GoEnv:           "development",
		InPort:          DefaultInPort,
		OutPort:         DefaultOutPort,
		LocalHost:       DefaultLocalHost,
		RemoteHost:      DefaultRemoteHost,
		MaxMessageSize:  DefaultMaxMessageSize,
		ShutdownTimeout: DefaultShutdownTimeout,
		StorageDir:      DefaultStorageDir,
		LogFile:         DefaultLogFile,
		LogLevel:        "debug",
		LogFormat:       "text",
	}
}

// LoadConfig loads configuration from a .env file (if any) and the environment.
func LoadConfig() (*Config, error) {
	// a missing .env is fine, system env vars still apply
	_ = godotenv.Load(".env")
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	def := Default()
	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", def.GoEnv); err != nil {
		return nil, err
	}

	// Transport
	if err := loadEnvInt(&config.InPort, "PSERVER_IPORT", def.InPort); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.OutPort, "PSERVER_OPORT", def.OutPort); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LocalHost, "PSERVER_LHOST", def.LocalHost); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RemoteHost, "PSERVER_RHOST", def.RemoteHost); err != nil {
		return nil, err
	}

	// Connection handling
	if err := loadEnvInt64(&config.MaxMessageSize, "MAX_MESSAGE_SIZE", def.MaxMessageSize); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.MaxConnections, "MAX_CONNECTIONS", def.MaxConnections); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.AcceptRate, "ACCEPT_RATE", def.AcceptRate); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AcceptBurst, "ACCEPT_BURST", def.AcceptBurst); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.IdleTimeout, "IDLE_TIMEOUT", def.IdleTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.ShutdownTimeout, "SHUTDOWN_TIMEOUT", def.ShutdownTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.ErrorReplies, "ERROR_REPLIES", def.ErrorReplies); err != nil {
		return nil, err
	}

	// File Storage
	if err := loadEnvString(&config.StorageDir, "STORAGE_DIR", def.StorageDir); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&config.LogFile, "LOG_FILE", def.LogFile); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", def.LogLevel); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", def.LogFormat); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt64(target *int64, key string, defaultValue int64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate ports are in valid range. 0 on the inbound port asks the OS for a free one.
	if c.InPort < 0 || c.InPort > 65535 {
		errors = append(errors, "PSERVER_IPORT must be between 0 and 65535")
	}
	if c.OutPort < 1 || c.OutPort > 65535 {
		errors = append(errors, "PSERVER_OPORT must be between 1 and 65535")
	}
	if strings.TrimSpace(c.LocalHost) == "" {
		errors = append(errors, "PSERVER_LHOST must not be empty")
	}

	if c.MaxMessageSize <= 0 {
		errors = append(errors, "MAX_MESSAGE_SIZE must be positive")
	}
	if c.MaxConnections < 0 {
		errors = append(errors, "MAX_CONNECTIONS must not be negative")
	}
	if c.AcceptRate < 0 {
		errors = append(errors, "ACCEPT_RATE must not be negative")
	}
	if c.AcceptBurst < 0 {
		errors = append(errors, "ACCEPT_BURST must not be negative")
	}
	if c.IdleTimeout < 0 {
		errors = append(errors, "IDLE_TIMEOUT must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		errors = append(errors, "SHUTDOWN_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		errors = append(errors, "STORAGE_DIR must not be empty")
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	// Validate log format
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.LocalHost, strconv.Itoa(c.InPort))
}

// RemoteAddr returns the configured outbound host:port. Nothing dials it yet.
func (c *Config) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.OutPort))
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
