// Package config resolves runtime configuration from the environment, an
// optional .env file and an optional YAML channel table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/newscast/forecaster/internal/api"
)

// Horizon bounds accepted at the configuration and API boundary.
const (
	MinHorizon     = 30
	MaxHorizon     = 180
	DefaultHorizon = 90
)

// ErrHorizonRange is returned for horizons outside [MinHorizon, MaxHorizon].
var ErrHorizonRange = errors.New("horizon out of range")

// Snapshot store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

type Config struct {
	SheetID string
	GID     string
	Horizon int

	SourceBaseURL string
	FetchTimeout  time.Duration
	FetchRate     float64

	Port      string
	TokenRate int

	CacheTTL  time.Duration
	CacheSize int

	SnapshotBackend string
	SnapshotPath    string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PostgresConn    string

	KafkaBrokers []string
	KafkaTopic   string

	OTelEndpoint string
	Environment  string

	ChannelsFile string
	Channels     api.ChannelTable
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv resolves configuration through getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		SheetID:         e.str("SHEET_ID", ""),
		GID:             e.str("SHEET_GID", "0"),
		Horizon:         e.integer("HORIZON_DAYS", DefaultHorizon),
		SourceBaseURL:   e.str("SOURCE_BASE_URL", "https://docs.google.com/spreadsheets"),
		FetchTimeout:    e.duration("FETCH_TIMEOUT", 30*time.Second),
		FetchRate:       e.number("FETCH_RATE", 1),
		Port:            e.str("PORT", "8080"),
		TokenRate:       e.integer("TOKEN_RATE", 20),
		CacheTTL:        e.duration("CACHE_TTL", time.Hour),
		CacheSize:       e.integer("CACHE_SIZE", 32),
		SnapshotBackend: strings.ToLower(e.str("SNAPSHOT_BACKEND", BackendMemory)),
		SnapshotPath:    e.str("SNAPSHOT_PATH", ""),
		RedisAddr:       e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   e.str("REDIS_PASSWORD", ""),
		RedisDB:         e.integer("REDIS_DB", 0),
		PostgresConn:    e.str("POSTGRES_CONN", ""),
		KafkaBrokers:    splitList(e.str("KAFKA_BROKERS", "")),
		KafkaTopic:      e.str("KAFKA_TOPIC", "forecast-runs"),
		OTelEndpoint:    e.str("OTEL_ENDPOINT", ""),
		Environment:     e.str("ENVIRONMENT", "development"),
		ChannelsFile:    e.str("CHANNELS_FILE", ""),
	}
	if err := ValidateHorizon(cfg.Horizon); err != nil {
		e.errs = append(e.errs, fmt.Errorf("HORIZON_DAYS: %w", err))
	}

	switch cfg.SnapshotBackend {
	case BackendMemory, BackendRedis, BackendNone:
	case BackendPostgres:
		if cfg.PostgresConn == "" {
			e.errs = append(e.errs, errors.New("POSTGRES_CONN is required when SNAPSHOT_BACKEND=postgres"))
		}
	default:
		e.errs = append(e.errs, fmt.Errorf("unknown SNAPSHOT_BACKEND: %s", cfg.SnapshotBackend))
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	if cfg.ChannelsFile != "" {
		table, err := LoadChannels(cfg.ChannelsFile)
		if err != nil {
			return nil, err
		}
		cfg.Channels = table
	} else {
		cfg.Channels = api.DefaultChannelTable()
	}

	return cfg, nil
}

// ValidateHorizon checks h against the accepted forecast horizon range.
func ValidateHorizon(h int) error {
	if h < MinHorizon || h > MaxHorizon {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrHorizonRange, h, MinHorizon, MaxHorizon)
	}
	return nil
}

// channelsFile mirrors the YAML channel table:
//
//	date_column: 날짜
//	channels:
//	  - id: JTBC
//	    column: JTBC뉴스룸
//	    color: "#7E2F8E"
type channelsFile struct {
	DateColumn string        `yaml:"date_column"`
	Channels   []api.Channel `yaml:"channels"`
}

// LoadChannels reads a channel table from a YAML file.
func LoadChannels(path string) (api.ChannelTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.ChannelTable{}, fmt.Errorf("read channels file: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels decodes a YAML channel table.
func ParseChannels(data []byte) (api.ChannelTable, error) {
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return api.ChannelTable{}, fmt.Errorf("parse channels file: %w", err)
	}
	table, err := api.NewChannelTable(f.DateColumn, f.Channels...)
	if err != nil {
		return api.ChannelTable{}, fmt.Errorf("invalid channels file: %w", err)
	}
	return table, nil
}

// env collects every parse error so FromEnv reports them together.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, defaultValue string) string {
	if value := strings.TrimSpace(e.getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) integer(key string, defaultValue int) int {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value)
		return defaultValue
	}
	return n
}

func (e *env) number(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value)
		return defaultValue
	}
	return f
}

func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value)
		return defaultValue
	}
	return d
}

func (e *env) fail(key, value string) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", key, value))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
