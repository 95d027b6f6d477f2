package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omochice/chat-gateway/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `
listen_addr: ":9000"
call_timeout: 250ms
store:
  backend: redis
  redis_addr: "127.0.0.1:6380"
token:
  secret: "` + testSecret + `"
  ttl: 1h
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9000")
	}
	if cfg.CallTimeout != 250*time.Millisecond {
		t.Errorf("CallTimeout = %v, want 250ms", cfg.CallTimeout)
	}
	if cfg.Store.Backend != config.BackendRedis || cfg.Store.RedisAddr != "127.0.0.1:6380" {
		t.Errorf("Store = %+v, want redis at 127.0.0.1:6380", cfg.Store)
	}
	if cfg.Token.TTL != time.Hour {
		t.Errorf("Token.TTL = %v, want 1h", cfg.Token.TTL)
	}
	// Unset keys keep defaults.
	if cfg.WSPath != "/ws" {
		t.Errorf("WSPath = %q, want default /ws", cfg.WSPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("listen_adr: \":1\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("Load() with misspelled key returned nil error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		config.EnvListenAddr:    ":7000",
		config.EnvCallTimeout:   "2s",
		config.EnvOutgoingQueue: "4",
		config.EnvLogVerbose:    "true",
		config.EnvTokenSecret:   testSecret,
		config.EnvTCPAddr:       ":7001",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.CallTimeout != 2*time.Second || cfg.OutgoingQueue != 4 || !cfg.LogVerbose {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if cfg.Token.Secret != testSecret {
		t.Errorf("Token.Secret not applied")
	}
	if cfg.TCPAddr != ":7001" {
		t.Errorf("TCPAddr = %q, want %q", cfg.TCPAddr, ":7001")
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", config.EnvCallTimeout, "soon"},
		{"bad int", config.EnvMaxMessageSize, "big"},
		{"bad bool", config.EnvLogVerbose, "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			err := cfg.ApplyEnv(func(k string) (string, bool) {
				if k == tt.key {
					return tt.val, true
				}
				return "", false
			})
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("ApplyEnv() error = %v, want error naming %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := config.Default()
	valid.Token.Secret = testSecret

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"short secret", func(c *config.Config) { c.Token.Secret = "short" }, "token.secret"},
		{"unknown backend", func(c *config.Config) { c.Store.Backend = "mysql" }, "store.backend"},
		{"zero timeout", func(c *config.Config) { c.CallTimeout = 0 }, "call_timeout"},
		{"relative path", func(c *config.Config) { c.WSPath = "ws" }, "ws_path"},
		{"bad log level", func(c *config.Config) { c.LogLevel = "trace" }, "log_level"},
		{"bcrypt cost", func(c *config.Config) { c.Store.BcryptCost = 2 }, "bcrypt_cost"},
		{"broadcast on ws path", func(c *config.Config) { c.BroadcastPath = c.WSPath }, "broadcast_path"},
		{"tcp on listen addr", func(c *config.Config) { c.TCPAddr = c.ListenAddr }, "tcp_addr"},
		{"zero write timeout", func(c *config.Config) { c.WriteTimeout = 0 }, "write_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
