package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Verbose enables debug output when true
var Verbose bool

// ErrNoHost is returned when a device command runs without TURNSTILE_HOST.
var ErrNoHost = errors.New("TURNSTILE_HOST is not set")

type Config struct {
	Device  DeviceConfig
	Paths   PathsConfig
	Logging LoggingConfig
}

type DeviceConfig struct {
	Host       string
	Username   string
	Password   string
	Timeout    time.Duration
	Retries    int
	EventsLang string
}

type PathsConfig struct {
	BackupDir string
	ReportDir string
	Journal   string
}

type LoggingConfig struct {
	Level string
}

// Load reads envFile (".env" when empty, ignored if missing) and then the
// process environment. Variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	timeout, err := time.ParseDuration(getEnv("TURNSTILE_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid TURNSTILE_TIMEOUT: %w", err)
	}

	return &Config{
		Device: DeviceConfig{
			Host:       getEnv("TURNSTILE_HOST", ""),
			Username:   getEnv("TURNSTILE_USERNAME", "admin"),
			Password:   getEnv("TURNSTILE_PASSWORD", ""),
			Timeout:    timeout,
			Retries:    getEnvAsInt("TURNSTILE_RETRIES", 3),
			EventsLang: getEnv("TURNSTILE_LANG", "en"),
		},
		Paths: PathsConfig{
			BackupDir: getEnv("BACKUP_DIR", "backups"),
			ReportDir: getEnv("REPORT_DIR", "reports"),
			Journal:   getEnv("TURNSTILE_JOURNAL", "data/turnstile.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

// BaseURL returns the device address with a scheme.
func (d DeviceConfig) BaseURL() (string, error) {
	host := strings.TrimSpace(d.Host)
	if host == "" {
		return "", ErrNoHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/"), nil
}

// SetupLogging installs a console zerolog logger on w. Verbose forces debug.
func SetupLogging(w io.Writer, level string, verbose bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}).
		With().Timestamp().Logger()
	if err != nil && level != "" {
		log.Warn().Str("level", level).Msg("unknown LOG_LEVEL, using info")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
