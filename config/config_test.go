package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Admin.Token = "admin-secret"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		errContains []string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "empty listenAddr",
			mutate:      func(c *Config) { c.Server.ListenAddr = "" },
			wantErr:     true,
			errContains: []string{"server.listenAddr", "cannot be empty"},
		},
		{
			name:        "empty baseURL",
			mutate:      func(c *Config) { c.Server.BaseURL = "" },
			wantErr:     true,
			errContains: []string{"server.baseURL", "cannot be empty"},
		},
		{
			name:        "baseURL without host",
			mutate:      func(c *Config) { c.Server.BaseURL = "http://" },
			wantErr:     true,
			errContains: []string{"server.baseURL", "must include a host"},
		},
		{
			name:        "baseURL with bad scheme",
			mutate:      func(c *Config) { c.Server.BaseURL = "ftp://localhost" },
			wantErr:     true,
			errContains: []string{"server.baseURL", "invalid URL scheme"},
		},
		{
			name:        "prefix without leading slash",
			mutate:      func(c *Config) { c.Server.Prefix = "scim" },
			wantErr:     true,
			errContains: []string{"server.prefix", "must start with '/'"},
		},
		{
			name: "tls enabled without cert",
			mutate: func(c *Config) {
				c.Server.TLS = &TLS{Enabled: true, KeyFile: "key.pem"}
			},
			wantErr:     true,
			errContains: []string{"server.tls.certFile", "required"},
		},
		{
			name: "no admin authenticator",
			mutate: func(c *Config) {
				c.Admin.Token = ""
				c.Admin.JWTSecret = ""
			},
			wantErr:     true,
			errContains: []string{"admin", "at least one of token and jwtSecret"},
		},
		{
			name:    "jwt secret alone is enough",
			mutate:  func(c *Config) { c.Admin.Token = ""; c.Admin.JWTSecret = "hmac-key" },
			wantErr: false,
		},
		{
			name:        "unknown log level",
			mutate:      func(c *Config) { c.Log.Level = "chatty" },
			wantErr:     true,
			errContains: []string{"log.level", "invalid log level"},
		},
		{
			name:        "unknown log mode",
			mutate:      func(c *Config) { c.Log.Mode = "xml" },
			wantErr:     true,
			errContains: []string{"log.mode", "invalid log mode"},
		},
		{
			name:        "request log flush size zero",
			mutate:      func(c *Config) { c.RequestLog.FlushSize = 0 },
			wantErr:     true,
			errContains: []string{"requestLog.flushSize", "out of range"},
		},
		{
			name: "multiple errors accumulate",
			mutate: func(c *Config) {
				c.Server.ListenAddr = ""
				c.Log.Mode = "xml"
			},
			wantErr:     true,
			errContains: []string{"2 errors", "server.listenAddr", "log.mode"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				for _, want := range tt.errContains {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("error %q does not contain %q", err.Error(), want)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.ListenAddr != ":8880" {
		t.Errorf("listenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.Prefix != "/scim" {
		t.Errorf("prefix = %q", cfg.Server.Prefix)
	}
	if cfg.RequestLog.FlushSize != 50 || cfg.RequestLog.FlushIntervalSeconds != 3 {
		t.Errorf("request log defaults = %+v", cfg.RequestLog)
	}
	if cfg.Database.URL != "" {
		t.Errorf("database url should default to in-memory, got %q", cfg.Database.URL)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"listenAddr": ":9000"},
		"admin": {"token": "from-file"},
		"log": {"level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.Prefix != "/scim" {
		t.Errorf("prefix = %q, want default /scim", cfg.Server.Prefix)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Mode != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.RequestLog.FlushSize != 50 {
		t.Errorf("flushSize = %d, want default 50", cfg.RequestLog.FlushSize)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load on a missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load on malformed JSON should fail")
	}

	path = filepath.Join(t.TempDir(), "invalid.json")
	if err := os.WriteFile(path, []byte(`{"log": {"mode": "xml"}, "admin": {"token": "x"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject the loaded mode")
	}
}
