// Package config loads gateway and CLI settings: defaults, then an optional
// YAML file, then MANDI_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Addr         string    `yaml:"addr"`
	MaxBodyBytes int64     `yaml:"max_body_bytes"`
	CORSOrigins  []string  `yaml:"cors_origins"`
	API          API       `yaml:"api"`
	Auth         Auth      `yaml:"auth"`
	Storage      Storage   `yaml:"storage"`
	StepUp       StepUp    `yaml:"stepup"`
	RateLimit    RateLimit `yaml:"rate_limit"`
}

type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"token"`
}

type Auth struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type Storage struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Migrate     bool   `yaml:"migrate"`
	Redis       Redis  `yaml:"redis"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type StepUp struct {
	EnrollRoute   string        `yaml:"enroll_route"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Addr:         ":8080",
		MaxBodyBytes: 1 << 20,
		API:          API{Timeout: 10 * time.Second},
		Auth:         Auth{Issuer: "mandi-admin"},
		Storage:      Storage{Driver: StorageMemory, Redis: Redis{Prefix: "mandi-gw:"}},
		StepUp:       StepUp{EnrollRoute: "/security/enroll", PromptTimeout: 5 * time.Minute},
		RateLimit:    RateLimit{RPS: 20, Burst: 40},
	}
}

// Load reads path (skipped when empty) and applies the environment. getenv is
// os.Getenv when nil.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "addr is required")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres driver")
		}
	case StorageRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			problems = append(problems, "storage.redis.addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "max_body_bytes must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err))
				return
			}
			*dst = n
		}
	}

	str("MANDI_ADDR", &cfg.Addr)
	str("MANDI_API_URL", &cfg.API.BaseURL)
	str("MANDI_API_TOKEN", &cfg.API.Token)
	dur("MANDI_API_TIMEOUT", &cfg.API.Timeout)
	str("MANDI_AUTH_SECRET", &cfg.Auth.Secret)
	str("MANDI_AUTH_ISSUER", &cfg.Auth.Issuer)
	str("MANDI_STORAGE", &cfg.Storage.Driver)
	str("MANDI_PG_DSN", &cfg.Storage.PostgresDSN)
	str("MANDI_REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("MANDI_REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	str("MANDI_REDIS_PREFIX", &cfg.Storage.Redis.Prefix)
	integer("MANDI_REDIS_DB", &cfg.Storage.Redis.DB)
	dur("MANDI_REDIS_TTL", &cfg.Storage.Redis.TTL)
	str("MANDI_STEPUP_ENROLL_ROUTE", &cfg.StepUp.EnrollRoute)
	dur("MANDI_STEPUP_PROMPT_TIMEOUT", &cfg.StepUp.PromptTimeout)
	integer("MANDI_RATE_BURST", &cfg.RateLimit.Burst)

	if v := strings.TrimSpace(getenv("MANDI_STORAGE_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: MANDI_STORAGE_MIGRATE: %v", ErrInvalid, err))
		} else {
			cfg.Storage.Migrate = b
		}
	}
	if v := strings.TrimSpace(getenv("MANDI_RATE_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: MANDI_RATE_RPS: %v", ErrInvalid, err))
		} else {
			cfg.RateLimit.RPS = f
		}
	}
	if v := strings.TrimSpace(getenv("MANDI_CORS_ORIGINS")); v != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	if v := strings.TrimSpace(getenv("MANDI_MAX_BODY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: MANDI_MAX_BODY_BYTES: %v", ErrInvalid, err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	return errors.Join(errs...)
}
