package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/jiracache/internal/db"
	"github.com/rpattn/jiracache/internal/domain"
)

// Cache backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendJSONFile = "jsonfile"
)

// EnvPrefix prefixes every environment override, e.g. JIRACACHE_TRACKER_HOSTNAME.
const EnvPrefix = "JIRACACHE"

// TrackerConfig configures the backend client and pagination.
type TrackerConfig struct {
	Hostname      string
	Timeout       time.Duration
	MaxResultSize int
	PageSize      int
	Expand        string
	LockFile      string
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	Backend string
	Dir     string
	Offline bool
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// Config is the whole application configuration.
type Config struct {
	Tracker  TrackerConfig
	Cache    CacheConfig
	Database db.Config
	Server   ServerConfig
	Log      LogConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Tracker: TrackerConfig{
			Timeout:       60 * time.Second,
			MaxResultSize: 700,
			PageSize:      200,
			Expand:        "changelog",
		},
		Cache: CacheConfig{
			Backend: BackendBadger,
			Dir:     "storage",
		},
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Override adjusts a loaded configuration before it is validated.
type Override func(*Config)

// Load reads config.yaml from configPath, then applies a .env file from the
// same directory, JIRACACHE_* environment variables and overrides, in that
// order. Missing files are fine.
func Load(configPath string, overrides ...Override) (Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.Tracker = TrackerConfig{
		Hostname:      v.GetString("tracker.hostname"),
		Timeout:       v.GetDuration("tracker.timeout"),
		MaxResultSize: v.GetInt("tracker.max_result_size"),
		PageSize:      v.GetInt("tracker.page_size"),
		Expand:        v.GetString("tracker.expand"),
		LockFile:      v.GetString("tracker.lock_file"),
	}
	cfg.Cache = CacheConfig{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("cache.backend"))),
		Dir:     v.GetString("cache.dir"),
		Offline: v.GetBool("cache.offline"),
	}
	cfg.Database = databaseConfig(v)
	cfg.Server = ServerConfig{
		Addr:           v.GetString("server.addr"),
		AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
	}
	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDBConfig reads only the database section.
func LoadDBConfig(configPath string) (db.Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return db.Config{}, err
	}
	return databaseConfig(v), nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendBadger, BackendJSONFile:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return fmt.Errorf("%w: cache.dir is required for the %s backend", domain.ErrInvalidConfig, c.Cache.Backend)
		}
	case BackendPostgres:
	default:
		return fmt.Errorf("%w: unknown cache.backend %q", domain.ErrInvalidConfig, c.Cache.Backend)
	}
	if !c.Cache.Offline && strings.TrimSpace(c.Tracker.Hostname) == "" {
		return fmt.Errorf("%w: tracker.hostname is required unless cache.offline is set", domain.ErrInvalidConfig)
	}
	if c.Tracker.PageSize <= 0 {
		return fmt.Errorf("%w: tracker.page_size must be positive", domain.ErrInvalidConfig)
	}
	if c.Tracker.MaxResultSize < 0 {
		return fmt.Errorf("%w: tracker.max_result_size must not be negative", domain.ErrInvalidConfig)
	}
	return nil
}

// LogLevel parses Log.Level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newViper(configPath string) (*viper.Viper, error) {
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Debug("no config.yaml found, using defaults and env vars", slog.String("path", configPath))
	} else {
		slog.Debug("loaded config", slog.String("file", v.ConfigFileUsed()))
	}
	return v, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("tracker.hostname", d.Tracker.Hostname)
	v.SetDefault("tracker.timeout", d.Tracker.Timeout)
	v.SetDefault("tracker.max_result_size", d.Tracker.MaxResultSize)
	v.SetDefault("tracker.page_size", d.Tracker.PageSize)
	v.SetDefault("tracker.expand", d.Tracker.Expand)
	v.SetDefault("tracker.lock_file", d.Tracker.LockFile)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.offline", d.Cache.Offline)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func databaseConfig(v *viper.Viper) db.Config {
	return db.Config{
		URL:      v.GetString("database.url"),
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		DBName:   v.GetString("database.dbname"),
		SSLMode:  v.GetString("database.sslmode"),
	}
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
