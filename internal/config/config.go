/*
Package config loads gateway settings.

Sources, highest precedence first: command-line flags (applied by the
caller), GATEWAY_* environment variables, a YAML file, built-in defaults.

Example file:

	listen_addr: ":8080"
	ws_path: /ws
	broadcast_path: /broadcast   # empty disables the endpoint
	tcp_addr: ":9090"            # empty disables the raw TCP listener
	call_timeout: 5s
	store:
	  backend: bolt
	  bolt_path: ./gateway.db
	token:
	  secret: change-me-to-at-least-32-bytes-long
	  ttl: 24h
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment variable names
const (
	EnvListenAddr     = "GATEWAY_LISTEN_ADDR"
	EnvWSPath         = "GATEWAY_WS_PATH"
	EnvLogLevel       = "GATEWAY_LOG_LEVEL"
	EnvLogVerbose     = "GATEWAY_LOG_VERBOSE"
	EnvBroadcastPath  = "GATEWAY_BROADCAST_PATH"
	EnvTCPAddr        = "GATEWAY_TCP_ADDR"
	EnvCallTimeout    = "GATEWAY_CALL_TIMEOUT"
	EnvWriteTimeout   = "GATEWAY_WRITE_TIMEOUT"
	EnvMaxMessageSize = "GATEWAY_MAX_MESSAGE_SIZE"
	EnvOutgoingQueue  = "GATEWAY_OUTGOING_QUEUE"
	EnvStoreBackend   = "GATEWAY_STORE_BACKEND"
	EnvBoltPath       = "GATEWAY_BOLT_PATH"
	EnvRedisAddr      = "GATEWAY_REDIS_ADDR"
	EnvRedisPrefix    = "GATEWAY_REDIS_PREFIX"
	EnvBcryptCost     = "GATEWAY_BCRYPT_COST"
	EnvSessionTTL     = "GATEWAY_SESSION_TTL"
	EnvTokenSecret    = "GATEWAY_TOKEN_SECRET"
	EnvTokenIssuer    = "GATEWAY_TOKEN_ISSUER"
	EnvTokenTTL       = "GATEWAY_TOKEN_TTL"
)

// Store backends
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// StoreConfig selects and configures the identity store.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	BoltPath    string        `yaml:"bolt_path"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	BcryptCost  int           `yaml:"bcrypt_cost"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

// TokenConfig configures session token issuance.
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// Config is the complete gateway configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WSPath         string        `yaml:"ws_path"`
	BroadcastPath  string        `yaml:"broadcast_path"`
	TCPAddr        string        `yaml:"tcp_addr"`
	LogLevel       string        `yaml:"log_level"`
	LogVerbose     bool          `yaml:"log_verbose"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
	OutgoingQueue  int           `yaml:"outgoing_queue"`
	Store          StoreConfig   `yaml:"store"`
	Token          TokenConfig   `yaml:"token"`
}

// Default returns the built-in configuration. Token.Secret is left empty
// and must be supplied.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		WSPath:         "/ws",
		LogLevel:       "info",
		CallTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		OutgoingQueue:  16,
		Store: StoreConfig{
			Backend:     BackendBolt,
			BoltPath:    "./gateway.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "gateway",
			BcryptCost:  10,
			SessionTTL:  30 * 24 * time.Hour,
		},
		Token: TokenConfig{
			Issuer: "chat-gateway",
			TTL:    30 * 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// process environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str(EnvListenAddr, &c.ListenAddr)
	str(EnvWSPath, &c.WSPath)
	str(EnvBroadcastPath, &c.BroadcastPath)
	str(EnvTCPAddr, &c.TCPAddr)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvStoreBackend, &c.Store.Backend)
	str(EnvBoltPath, &c.Store.BoltPath)
	str(EnvRedisAddr, &c.Store.RedisAddr)
	str(EnvRedisPrefix, &c.Store.RedisPrefix)
	str(EnvTokenSecret, &c.Token.Secret)
	str(EnvTokenIssuer, &c.Token.Issuer)

	if v, ok := lookup(EnvLogVerbose); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvLogVerbose, err)
		}
		c.LogVerbose = b
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxMessageSize, &c.MaxMessageSize},
		{EnvOutgoingQueue, &c.OutgoingQueue},
		{EnvBcryptCost, &c.Store.BcryptCost},
	}
	for _, e := range ints {
		if v, ok := lookup(e.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.name, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvCallTimeout, &c.CallTimeout},
		{EnvWriteTimeout, &c.WriteTimeout},
		{EnvSessionTTL, &c.Store.SessionTTL},
		{EnvTokenTTL, &c.Token.TTL},
	}
	for _, e := range durations {
		if v, ok := lookup(e.name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.name, err)
			}
			*e.dst = d
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var problems []string
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		problems = append(problems, "ws_path must start with /")
	}
	if c.BroadcastPath != "" && (!strings.HasPrefix(c.BroadcastPath, "/") || c.BroadcastPath == c.WSPath) {
		problems = append(problems, "broadcast_path must start with / and differ from ws_path")
	}
	if c.TCPAddr != "" && c.TCPAddr == c.ListenAddr {
		problems = append(problems, "tcp_addr must differ from listen_addr")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.CallTimeout <= 0 {
		problems = append(problems, "call_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		problems = append(problems, "write_timeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		problems = append(problems, "max_message_size must be positive")
	}
	if c.OutgoingQueue <= 0 {
		problems = append(problems, "outgoing_queue must be positive")
	}
	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.BoltPath == "" {
			problems = append(problems, "store.bolt_path is required for bolt backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "store.redis_addr is required for redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.BcryptCost < 4 || c.Store.BcryptCost > 31 {
		problems = append(problems, "store.bcrypt_cost must be between 4 and 31")
	}
	if c.Store.SessionTTL <= 0 {
		problems = append(problems, "store.session_ttl must be positive")
	}
	if len(c.Token.Secret) < MinSecretLength {
		problems = append(problems, fmt.Sprintf("token.secret must be at least %d bytes", MinSecretLength))
	}
	if c.Token.TTL <= 0 {
		problems = append(problems, "token.ttl must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
