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
)

const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Store StoreConfig `yaml:"store"`
	Timer TimerConfig `yaml:"timer"`
	NATS  NATSConfig  `yaml:"nats"`

	LocalDBPath string        `yaml:"local_db_path"`
	AdminSecret string        `yaml:"admin_secret"`
	GrantTTL    time.Duration `yaml:"grant_ttl"`
}

type StoreConfig struct {
	Backend           string `yaml:"backend"`
	DBPath            string `yaml:"db_path"`
	DatabaseURL       string `yaml:"database_url"`
	FirestoreProject  string `yaml:"firestore_project"`
	FirebaseCredsJSON string `yaml:"-"`
}

// TimerConfig holds the three engine cadences.
type TimerConfig struct {
	Tick       time.Duration `yaml:"tick"`
	RemoteSync time.Duration `yaml:"remote_sync"`
	Snapshot   time.Duration `yaml:"snapshot"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:            ":8080",
		TrustedProxies:  []string{"127.0.0.1", "::1"},
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
		Store: StoreConfig{
			Backend: BackendSQLite,
			DBPath:  "xscore.db",
		},
		Timer: TimerConfig{
			Tick:       100 * time.Millisecond,
			RemoteSync: 15 * time.Second,
			Snapshot:   5 * time.Second,
		},
		NATS:        NATSConfig{SubjectPrefix: "xscore"},
		LocalDBPath: "xscore-local.db",
		GrantTTL:    12 * time.Hour,
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE,
// then environment variables. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = env("ADDR", cfg.Addr)
	cfg.TrustedProxies = envList("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.CORSOrigins = envList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env("LOG_FORMAT", cfg.LogFormat)

	cfg.Store.Backend = strings.ToLower(env("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.DBPath = env("DB_PATH", cfg.Store.DBPath)
	cfg.Store.DatabaseURL = env("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.FirestoreProject = env("FIRESTORE_PROJECT", cfg.Store.FirestoreProject)
	cfg.Store.FirebaseCredsJSON = env("FIREBASE_CREDENTIALS_JSON", cfg.Store.FirebaseCredsJSON)

	cfg.Timer.Tick = envDuration("TIMER_TICK", cfg.Timer.Tick)
	cfg.Timer.RemoteSync = envDuration("TIMER_REMOTE_SYNC", cfg.Timer.RemoteSync)
	cfg.Timer.Snapshot = envDuration("TIMER_SNAPSHOT", cfg.Timer.Snapshot)

	cfg.NATS.URL = env("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = env("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.LocalDBPath = env("LOCAL_DB_PATH", cfg.LocalDBPath)
	cfg.AdminSecret = env("ADMIN_SECRET", cfg.AdminSecret)
	cfg.GrantTTL = envDuration("GRANT_TTL", cfg.GrantTTL)
}

func (c Config) Validate() error {
	var errs []error
	if c.Timer.Tick <= 0 || c.Timer.RemoteSync <= 0 || c.Timer.Snapshot <= 0 {
		errs = append(errs, errors.New("timer periods must be positive"))
	}
	if c.GrantTTL <= 0 {
		errs = append(errs, errors.New("grant ttl must be positive"))
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.LocalDBPath == "" {
		errs = append(errs, errors.New("LOCAL_DB_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare numbers are seconds
		if n := envInt(k, -1); n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// envList splits a comma-separated variable, trimming blanks.
func envList(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
