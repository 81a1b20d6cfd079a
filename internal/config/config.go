package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	HTTPAddress         string           `mapstructure:"http_address"`
	WebSocketPath       string           `mapstructure:"websocket_path"`
	GRPCAddress         string           `mapstructure:"grpc_address"`
	LogLevel            string           `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration    `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig      `mapstructure:"admin"`
	GRPCServer          GRPCServerConfig `mapstructure:"grpc_server"`
	Session             SessionConfig    `mapstructure:"session"`
	Match               MatchConfig      `mapstructure:"match"`
	Cleanup             CleanupConfig    `mapstructure:"cleanup"`
	Relay               RelayConfig      `mapstructure:"relay"`
	Directory           DirectoryConfig  `mapstructure:"directory"`
}

// AdminConfig controls the metrics and health HTTP listener. An empty address disables it.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

type GRPCServerConfig struct {
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxConnectionIdle time.Duration `mapstructure:"max_connection_idle"`
}

// SessionConfig tunes each client WebSocket.
type SessionConfig struct {
	IdentityParam   string        `mapstructure:"identity_param"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	EventsPerSecond float64       `mapstructure:"events_per_second"`
	EventBurst      int           `mapstructure:"event_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type MatchConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	DirectoryTimeout time.Duration `mapstructure:"directory_timeout"`
	Seed             int64         `mapstructure:"seed"`
}

// CleanupConfig drives channel housekeeping.
type CleanupConfig struct {
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RelayConfig struct {
	ValidateSDP bool `mapstructure:"validate_sdp"`
}

// DirectoryConfig selects the user directory backend.
type DirectoryConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	DSNEnv          string        `mapstructure:"dsn_env"`
	AutoCreate      bool          `mapstructure:"auto_create"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

const (
	defaultHTTPAddress         = ":8080"
	defaultWebSocketPath       = "/api/socket/io"
	defaultGRPCAddress         = ":50051"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = ":9090"
	defaultIdentityParam       = "userId"
	defaultDirectoryDriver     = "memory"
	defaultDSNEnv              = "DATABASE_URL"
)

var defaults = map[string]any{
	"http_address":                    defaultHTTPAddress,
	"websocket_path":                  defaultWebSocketPath,
	"grpc_address":                    defaultGRPCAddress,
	"log_level":                       defaultLogLevel,
	"shutdown_grace_period":           defaultShutdownGracePeriod.String(),
	"admin.address":                   defaultAdminAddress,
	"admin.read_header_timeout":       "5s",
	"grpc_server.keepalive_time":      "2m",
	"grpc_server.keepalive_timeout":   "20s",
	"grpc_server.max_connection_idle": "15m",
	"session.identity_param":          defaultIdentityParam,
	"session.send_buffer":             32,
	"session.pong_wait":               "45s",
	"session.write_wait":              "10s",
	"session.max_message_bytes":       65536,
	"session.events_per_second":       20.0,
	"session.event_burst":             40,
	"session.allowed_origins":         []string{},
	"match.max_attempts":              3,
	"match.directory_timeout":         "2s",
	"match.seed":                      0,
	"cleanup.join_timeout":            "30s",
	"cleanup.idle_timeout":            "15m",
	"cleanup.sweep_interval":          "10s",
	"relay.validate_sdp":              false,
	"directory.driver":                defaultDirectoryDriver,
	"directory.dsn":                   "",
	"directory.dsn_env":               defaultDSNEnv,
	"directory.auto_create":           true,
	"directory.max_open_conns":        10,
	"directory.max_idle_conns":        5,
	"directory.conn_max_lifetime":     "30m",
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with DUET_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DUET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations from env and files as strings; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":           &cfg.ShutdownGracePeriod,
		"admin.read_header_timeout":       &cfg.Admin.ReadHeaderTimeout,
		"grpc_server.keepalive_time":      &cfg.GRPCServer.KeepaliveTime,
		"grpc_server.keepalive_timeout":   &cfg.GRPCServer.KeepaliveTimeout,
		"grpc_server.max_connection_idle": &cfg.GRPCServer.MaxConnectionIdle,
		"session.pong_wait":               &cfg.Session.PongWait,
		"session.write_wait":              &cfg.Session.WriteWait,
		"match.directory_timeout":         &cfg.Match.DirectoryTimeout,
		"cleanup.join_timeout":            &cfg.Cleanup.JoinTimeout,
		"cleanup.idle_timeout":            &cfg.Cleanup.IdleTimeout,
		"cleanup.sweep_interval":          &cfg.Cleanup.SweepInterval,
		"directory.conn_max_lifetime":     &cfg.Directory.ConnMaxLifetime,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = defaultWebSocketPath
	}
	if !strings.HasPrefix(cfg.WebSocketPath, "/") {
		cfg.WebSocketPath = "/" + cfg.WebSocketPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Session.IdentityParam == "" {
		cfg.Session.IdentityParam = defaultIdentityParam
	}
	if cfg.Directory.Driver == "" {
		cfg.Directory.Driver = defaultDirectoryDriver
	}
	if cfg.Directory.DSNEnv == "" {
		cfg.Directory.DSNEnv = defaultDSNEnv
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Directory.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported directory.driver %q", c.Directory.Driver)
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive")
	}
	if c.Match.MaxAttempts <= 0 {
		return fmt.Errorf("match.max_attempts must be positive")
	}
	if c.Session.PongWait <= 0 || c.Session.WriteWait <= 0 {
		return fmt.Errorf("session.pong_wait and session.write_wait must be positive")
	}
	return nil
}

// DirectoryDSN returns the configured DSN, falling back to the environment variable named
// by directory.dsn_env so credentials can stay out of config files.
func (c Config) DirectoryDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Directory.DSN); dsn != "" {
		return dsn, nil
	}
	env := c.Directory.DSNEnv
	if env == "" {
		env = defaultDSNEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("directory dsn not set and env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
