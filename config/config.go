// Package config holds the service configuration tree: a JSON file loader
// layered over defaults, with field-addressed validation errors.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Admin      AdminConfig      `json:"admin"`
	Log        LogConfig        `json:"log"`
	RequestLog RequestLogConfig `json:"requestLog"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr string `json:"listenAddr"`
	BaseURL    string `json:"baseURL"`
	Prefix     string `json:"prefix"`
	TLS        *TLS   `json:"tls,omitempty"`
}

// TLS represents TLS configuration.
type TLS struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

// DatabaseConfig selects the backing store. An empty URL runs fully in
// memory; postgres:// URLs use the postgres driver; anything else is
// treated as a sqlite file path.
type DatabaseConfig struct {
	URL string `json:"url"`
}

// AdminConfig configures the management-plane authenticators. At least
// one of Token and JWTSecret must be set.
type AdminConfig struct {
	Token     string `json:"token"`
	JWTSecret string `json:"jwtSecret"`
}

// LogConfig configures the structured log plane.
type LogConfig struct {
	Level           string `json:"level"`
	Mode            string `json:"mode"`
	MaxPayloadBytes int    `json:"maxPayloadBytes"`
}

// RequestLogConfig configures the per-request audit trail.
type RequestLogConfig struct {
	Enabled              bool `json:"enabled"`
	FlushSize            int  `json:"flushSize"`
	FlushIntervalSeconds int  `json:"flushIntervalSeconds"`
	CaptureBytes         int  `json:"captureBytes"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8880",
			BaseURL:    "http://localhost:8880",
			Prefix:     "/scim",
		},
		Admin: AdminConfig{},
		Log: LogConfig{
			Level: "info",
			Mode:  "json",
		},
		RequestLog: RequestLogConfig{
			Enabled:              true,
			FlushSize:            50,
			FlushIntervalSeconds: 3,
			CaptureBytes:         4096,
		},
	}
}

// Load reads a JSON config file over the defaults. An empty path returns
// the defaults unchanged. Validation is the caller's job, after any flag
// or environment overrides have been applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.Server.validate()...)
	errors = append(errors, c.Admin.validate()...)
	errors = append(errors, c.Log.validate()...)
	errors = append(errors, c.RequestLog.validate()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (s *ServerConfig) validate() ValidationErrors {
	var errors ValidationErrors

	if s.ListenAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.listenAddr",
			Message: "listenAddr cannot be empty",
		})
	}

	if s.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "server.baseURL",
			Message: "baseURL cannot be empty",
		})
	} else {
		parsedURL, err := url.Parse(s.BaseURL)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "server.baseURL",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else {
			if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
				errors = append(errors, ValidationError{
					Field:   "server.baseURL",
					Message: fmt.Sprintf("invalid URL scheme '%s': must be http or https", parsedURL.Scheme),
				})
			}
			if parsedURL.Host == "" {
				errors = append(errors, ValidationError{
					Field:   "server.baseURL",
					Message: "URL must include a host (e.g., http://localhost:8880)",
				})
			}
		}
	}

	if s.Prefix != "" && !strings.HasPrefix(s.Prefix, "/") {
		errors = append(errors, ValidationError{
			Field:   "server.prefix",
			Message: fmt.Sprintf("prefix '%s' must start with '/'", s.Prefix),
		})
	}

	if s.TLS != nil && s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			errors = append(errors, ValidationError{
				Field:   "server.tls.certFile",
				Message: "certFile is required when TLS is enabled",
			})
		}
		if s.TLS.KeyFile == "" {
			errors = append(errors, ValidationError{
				Field:   "server.tls.keyFile",
				Message: "keyFile is required when TLS is enabled",
			})
		}
	}

	return errors
}

func (a *AdminConfig) validate() ValidationErrors {
	var errors ValidationErrors
	if a.Token == "" && a.JWTSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "admin",
			Message: "at least one of token and jwtSecret must be set",
		})
	}
	return errors
}

func (l *LogConfig) validate() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "off": true,
	}
	if !validLevels[strings.ToLower(l.Level)] {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid log level '%s'", l.Level),
		})
	}

	switch strings.ToLower(l.Mode) {
	case "pretty", "json":
	default:
		errors = append(errors, ValidationError{
			Field:   "log.mode",
			Message: fmt.Sprintf("invalid log mode '%s': must be 'pretty' or 'json'", l.Mode),
		})
	}

	if l.MaxPayloadBytes < 0 {
		errors = append(errors, ValidationError{
			Field:   "log.maxPayloadBytes",
			Message: "maxPayloadBytes cannot be negative",
		})
	}

	return errors
}

func (r *RequestLogConfig) validate() ValidationErrors {
	var errors ValidationErrors
	if r.FlushSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "requestLog.flushSize",
			Message: fmt.Sprintf("flushSize %d is out of range: must be at least 1", r.FlushSize),
		})
	}
	if r.FlushIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "requestLog.flushIntervalSeconds",
			Message: fmt.Sprintf("flushIntervalSeconds %d is out of range: must be at least 1", r.FlushIntervalSeconds),
		})
	}
	if r.CaptureBytes < 0 {
		errors = append(errors, ValidationError{
			Field:   "requestLog.captureBytes",
			Message: "captureBytes cannot be negative",
		})
	}
	return errors
}
