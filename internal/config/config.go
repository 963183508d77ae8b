package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "unidenoise.db"
	defaultRunTimeoutS   = 300
	defaultMaxConcurrent = 2
	defaultSteps         = 25
	defaultGuidance      = 3.5
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 30

	envListenAddr      = "UNIDENOISE_LISTEN_ADDR"
	envDBPath          = "UNIDENOISE_DB_PATH"
	envLogLevel        = "UNIDENOISE_LOG_LEVEL"
	envLogFile         = "UNIDENOISE_LOG_FILE"
	envRunTimeoutS     = "UNIDENOISE_RUN_TIMEOUT_SECONDS"
	envMaxConcurrent   = "UNIDENOISE_MAX_CONCURRENT"
	envDefaultSteps    = "UNIDENOISE_DEFAULT_STEPS"
	envDefaultGuidance = "UNIDENOISE_DEFAULT_GUIDANCE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	LogFile         string
	RunTimeoutS     int
	MaxConcurrent   int
	DefaultSteps    int
	DefaultGuidance float64
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are named) without overriding the existing environment. Missing files are
// not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		RunTimeoutS:     defaultRunTimeoutS,
		MaxConcurrent:   defaultMaxConcurrent,
		DefaultSteps:    defaultSteps,
		DefaultGuidance: defaultGuidance,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.LogFile = os.Getenv(envLogFile)
	cfg.RunTimeoutS = envPositiveInt(envRunTimeoutS, cfg.RunTimeoutS)
	cfg.MaxConcurrent = envPositiveInt(envMaxConcurrent, cfg.MaxConcurrent)
	cfg.DefaultSteps = envPositiveInt(envDefaultSteps, cfg.DefaultSteps)
	if v := os.Getenv(envDefaultGuidance); v != "" {
		if g, err := strconv.ParseFloat(v, 64); err == nil && g >= 0 {
			cfg.DefaultGuidance = g
		}
	}

	return cfg
}

func envPositiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level. When logFile is set, records are also written to a size-rotated file.
// The returned closer releases the file; it is a no-op otherwise.
func NewLogger(w io.Writer, level slog.Level, logFile string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.Handler(slog.NewJSONHandler(w, opts))
	if logFile == "" {
		return slog.New(handler), io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    defaultLogMaxSizeMB,
		MaxBackups: defaultLogMaxBackups,
		MaxAge:     defaultLogMaxAgeDays,
		Compress:   true,
	}
	return slog.New(slogmulti.Fanout(handler, slog.NewJSONHandler(file, opts))), file
}
