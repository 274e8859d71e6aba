package logging

import (
	"sync"
)

// Mode selects the emission format.
type Mode string

const (
	ModePretty Mode = "pretty"
	ModeJSON   Mode = "json"
)

// DefaultMaxPayloadBytes bounds string values in structured data before
// truncation kicks in.
const DefaultMaxPayloadBytes = 4096

// Config is the logger's runtime configuration. The admin API mutates it
// while request handlers read it on every log call, so access goes through
// the snapshot methods below.
type Config struct {
	mu sync.RWMutex

	global          Level
	mode            Mode
	maxPayloadBytes int
	categories      map[Category]Level
	endpoints       map[string]Level
}

// NewConfig returns a config with the given global threshold, json mode,
// and no overrides.
func NewConfig(global Level, mode Mode) *Config {
	return &Config{
		global:          global,
		mode:            mode,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		categories:      make(map[Category]Level),
		endpoints:       make(map[string]Level),
	}
}

// Resolve returns the effective threshold for a category and endpoint.
// First match wins: endpoint override, then category override, then the
// global level.
func (c *Config) Resolve(category Category, endpointID string) Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if endpointID != "" {
		if lvl, ok := c.endpoints[endpointID]; ok {
			return lvl
		}
	}
	if lvl, ok := c.categories[category]; ok {
		return lvl
	}
	return c.global
}

// Snapshot is a consistent read of the whole configuration.
type Snapshot struct {
	Global          Level             `json:"-"`
	GlobalName      string            `json:"globalLevel"`
	Mode            Mode              `json:"mode"`
	MaxPayloadBytes int               `json:"maxPayloadBytes"`
	Categories      map[string]string `json:"categories"`
	Endpoints       map[string]string `json:"endpoints"`
}

// Snapshot copies the current configuration.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Global:          c.global,
		GlobalName:      c.global.String(),
		Mode:            c.mode,
		MaxPayloadBytes: c.maxPayloadBytes,
		Categories:      make(map[string]string, len(c.categories)),
		Endpoints:       make(map[string]string, len(c.endpoints)),
	}
	for cat, lvl := range c.categories {
		snap.Categories[string(cat)] = lvl.String()
	}
	for ep, lvl := range c.endpoints {
		snap.Endpoints[ep] = lvl.String()
	}
	return snap
}

// SetGlobal replaces the global threshold.
func (c *Config) SetGlobal(lvl Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global = lvl
}

// SetMode switches the emission format.
func (c *Config) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Mode reads the emission format.
func (c *Config) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMaxPayloadBytes replaces the truncation bound. Non-positive values
// restore the default.
func (c *Config) SetMaxPayloadBytes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxPayloadBytes
	}
	c.maxPayloadBytes = n
}

// MaxPayloadBytes reads the truncation bound.
func (c *Config) MaxPayloadBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPayloadBytes
}

// SetCategory sets a per-category override.
func (c *Config) SetCategory(cat Category, lvl Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[cat] = lvl
}

// SetEndpoint sets a per-endpoint override.
func (c *Config) SetEndpoint(endpointID string, lvl Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[endpointID] = lvl
}

// ClearEndpoint removes a per-endpoint override. Endpoint deletion and the
// removal of a logLevel config key both land here.
func (c *Config) ClearEndpoint(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, endpointID)
}
