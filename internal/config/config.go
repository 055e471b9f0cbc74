package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const maxReadBufferSize = 1 << 20

// Config holds the relay configuration. Environment variables provide the
// defaults; command-line flags override them.
type Config struct {
	Addr        string `env:"RELAY_ADDR" default:"127.0.0.1:8081"`
	SSHAddr     string `env:"RELAY_SSH_ADDR"`
	HostKeyPath string `env:"RELAY_SSH_HOST_KEY" default:"configs/ssh_host_ed25519"`
	AdminAddr   string `env:"RELAY_ADMIN_ADDR"`

	DefaultNickname string `env:"RELAY_DEFAULT_NICKNAME" default:"name"`
	ReadBufferSize  int    `env:"RELAY_READ_BUFFER_SIZE" default:"9999"`
	Echo            bool   `env:"RELAY_ECHO" default:"true"`
	ColorNicknames  bool   `env:"RELAY_COLOR_NICKNAMES" default:"false"`

	MaxConnections int64   `env:"RELAY_MAX_CONNECTIONS" default:"0"`
	ConnRate       float64 `env:"RELAY_CONN_RATE" default:"0"`
	ConnBurst      int     `env:"RELAY_CONN_BURST" default:"10"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" default:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" default:"text"`
}

// Load reads .env (if present), the environment and then args.
// It returns flag.ErrHelp when -help was requested.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("tcprelay", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP address for the chat relay")
	fs.StringVar(&cfg.SSHAddr, "ssh-addr", cfg.SSHAddr, "TCP address for the SSH transport (disabled when empty)")
	fs.StringVar(&cfg.HostKeyPath, "host-key", cfg.HostKeyPath, "Path to the SSH host private key (auto-generated if missing)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP address for metrics and health (disabled when empty)")
	fs.StringVar(&cfg.DefaultNickname, "nick", cfg.DefaultNickname, "Nickname used until a client sends /nick")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Inbound read size and maximum message length in bytes")
	fs.BoolVar(&cfg.Echo, "echo", cfg.Echo, "Send each message back to its sender")
	fs.BoolVar(&cfg.ColorNicknames, "color", cfg.ColorNicknames, "Render nicknames in ANSI colors")
	fs.Int64Var(&cfg.MaxConnections, "max-conns", cfg.MaxConnections, "Maximum concurrent connections (0 = unlimited)")
	fs.Float64Var(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "New connections per second per remote IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "Connection burst allowed per remote IP")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	return fs
}

func validate(cfg *Config) error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ReadBufferSize < 1 || cfg.ReadBufferSize > maxReadBufferSize {
		return fmt.Errorf("read buffer size must be between 1 and %d, got %d", maxReadBufferSize, cfg.ReadBufferSize)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative, got %d", cfg.MaxConnections)
	}
	if cfg.ConnRate < 0 {
		return fmt.Errorf("connection rate must not be negative, got %v", cfg.ConnRate)
	}
	if cfg.ConnBurst < 1 {
		return fmt.Errorf("connection burst must be at least 1, got %d", cfg.ConnBurst)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return nil
}
