package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Host       string `env:"HOST" envDefault:"localhost"`
	Port       string `env:"PORT" envDefault:"8080"`
	DBPath     string `env:"DB_PATH" envDefault:"qrlinked.db"`
	AdminCreds string `env:"ADMIN_CREDENTIALS"`
	JWTSecret  string `env:"JWT_SECRET"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Debug      bool   `env:"DEBUG"`

	// PublicBaseURL is the origin encoded into QR codes, e.g. https://qr.example.com
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"1h"`

	GeoIPDBPath string `env:"GEOIP_DB_PATH"`

	UploadDir        string        `env:"UPLOAD_DIR" envDefault:"uploads"`
	LogoFetchTimeout time.Duration `env:"LOGO_FETCH_TIMEOUT" envDefault:"5s"`

	ScanQueueSize  int  `env:"SCAN_QUEUE_SIZE" envDefault:"1024"`
	ScanWorkers    int  `env:"SCAN_WORKERS" envDefault:"2"`
	RecordPrefetch bool `env:"RECORD_PREFETCH" envDefault:"true"`
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}
	return Parse(env.Options{})
}

// Parse builds a Config from the environment described by opts and fills in defaults
// that depend on other values.
func Parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.AdminCreds == "" {
		cfg.AdminCreds = "admin:admin"
		log.Warn().Msg("using default admin credentials - set ADMIN_CREDENTIALS for production")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.AdminCreds
		log.Warn().Msg("using ADMIN_CREDENTIALS as JWT_SECRET - set JWT_SECRET for production")
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://" + cfg.Addr()
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.ScanWorkers < 1 || cfg.ScanQueueSize < 1 {
		return Config{}, fmt.Errorf("SCAN_WORKERS and SCAN_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}
