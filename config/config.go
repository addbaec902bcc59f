// Package config loads the server's configuration from the environment. Variables may also be
// given in a .env file in the working directory, which never overrides the real environment.
package config

import (
	gerrors "errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("topicstream.config")
)

type Config struct {
	// The below environment variables are passed by Heroku if deployed there
	HTTPPort  string `env:"PORT,required"`
	PprofAddr string `env:"PPROF_ADDR"`

	RedisURL           string `env:"REDIS_URL" envDefault:"redis://:@localhost:6379"`
	RedisPoolSize      int    `env:"REDIS_POOL_SIZE" envDefault:"100"`
	RedisCAPEM         string `env:"REDIS_CA_CERT"`
	RedisClientCertPEM string `env:"REDIS_CLIENT_CERT"`
	RedisClientKeyPEM  string `env:"REDIS_CLIENT_KEY"`

	StreamKey    string        `env:"STREAM_KEY" envDefault:"topicstream:{messages}"`
	StreamMaxLen int64         `env:"STREAM_MAX_LEN" envDefault:"100000"`
	StreamMaxAge time.Duration `env:"STREAM_MAX_AGE" envDefault:"1h"`
	TrimInterval time.Duration `env:"TRIM_INTERVAL" envDefault:"1m"`

	WebTimeout      time.Duration `env:"WEB_TIMEOUT" envDefault:"60s"`
	Prefetch        int           `env:"PREFETCH" envDefault:"16"`
	MatchCacheSize  int           `env:"MATCH_CACHE_SIZE" envDefault:"1024"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env, if present, and parses the environment into a Config.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is like Load but reads the given env files instead of .env. Missing files are ignored.
func LoadFiles(filenames ...string) (*Config, error) {
	for _, filename := range filenames {
		err := godotenv.Load(filename)
		if err != nil {
			if !gerrors.Is(err, fs.ErrNotExist) {
				return nil, errors.New("unable to read %v: %v", filename, err)
			}
			continue
		}
		log.Debugf("Loaded environment from %v", filename)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("invalid configuration: %v", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.TrimInterval <= 0 {
		return errors.New("TRIM_INTERVAL must be positive")
	}
	if cfg.WebTimeout <= time.Second {
		return errors.New("WEB_TIMEOUT must be longer than 1s")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
