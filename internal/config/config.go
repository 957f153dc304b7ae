package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8080"`

	// JWTSecret signs/verifies handshake tokens. Required outside dev mode.
	JWTSecret string `envconfig:"JWT_SECRET"`

	// DataDir is where the Badger audit store lives.
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// CORSOrigins are exact origins or hostnames; ignored when DevMode=true.
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
	DevMode     bool     `envconfig:"DEV_MODE" default:"false"`

	Heartbeat  time.Duration `envconfig:"HEARTBEAT" default:"45s"`
	WSReadBuf  int           `envconfig:"WS_READ_BUF" default:"65536"`
	WSWriteBuf int           `envconfig:"WS_WRITE_BUF" default:"65536"`
	WSMaxMsg   int64         `envconfig:"WS_MAX_MSG" default:"1048576"`

	WSRatePerMin   int `envconfig:"WS_RATE_PER_MIN" default:"60"`
	HTTPRatePerMin int `envconfig:"HTTP_RATE_PER_MIN" default:"300"`

	PersistQueue int `envconfig:"PERSIST_QUEUE" default:"256"`

	MetricsRoute string `envconfig:"METRICS_ROUTE" default:"/metrics"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"0"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`
}

// Load reads .env (if present) then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("MEET", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.JWTSecret == "" && !c.DevMode {
		return errors.New("MEET_JWT_SECRET is required outside dev mode")
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat must be positive")
	}
	return nil
}

func (c Config) BindAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }
