package config

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

var (
	ErrEnv     = errors.New("failed to parse environment")
	ErrFlags   = errors.New("failed to parse command line arguments")
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	Host      string `env:"HOST"`
	Port      int    `env:"PORT"       envDefault:"3000" validate:"min=1,max=65535"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`
	StaticDir string `env:"STATIC_DIR" validate:"omitempty,dir"`

	MaxMessageBytes   int64   `env:"WS_MAX_MESSAGE_BYTES"   envDefault:"65536" validate:"min=512"`
	MessagesPerSecond float64 `env:"WS_MESSAGES_PER_SECOND" envDefault:"50"    validate:"gt=0"`
	SendBuffer        int     `env:"WS_SEND_BUFFER"         envDefault:"256"   validate:"min=1"`

	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"10s" validate:"gt=0"`
}

// Load reads an optional .env file, then the environment, then args.
// Flags given explicitly win over the environment.
func Load(args []string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Join(ErrEnv, err)
	}

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host, empty for all interfaces")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "serve browser client from this directory instead of the embedded one")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max inbound websocket message size")
	fs.Float64Var(&cfg.MessagesPerSecond, "messages-per-second", cfg.MessagesPerSecond, "inbound messages allowed per connection per second")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound frames buffered per connection")
	fs.StringSliceVar(&cfg.CORSAllowedOrigins, "cors-allowed-origins", cfg.CORSAllowedOrigins, "allowed CORS origins")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrFlags, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
