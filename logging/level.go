// Package logging implements the structured log plane: severity levels with
// a three-tier cascade filter (endpoint override, category override, global),
// per-request correlation context, a bounded ring buffer of recent entries,
// secret redaction, payload truncation, and a live SSE tail. Emission goes
// through zerolog in either pretty or json mode.
package logging

import (
	"fmt"
	"strings"
)

// Level is a log severity. The ordering is numeric: a message is emitted
// when its level is at or above the resolved threshold. OFF is only valid
// as a threshold, never as a message level.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL", "OFF"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelOff {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel decodes a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("unknown log level %q", s)
}

// Category names the subsystem a log entry belongs to. The set is fixed;
// per-category thresholds key on these values.
type Category string

const (
	CategoryHTTP      Category = "http"
	CategoryAuth      Category = "auth"
	CategoryUser      Category = "scim.user"
	CategoryGroup     Category = "scim.group"
	CategoryPatch     Category = "scim.patch"
	CategoryFilter    Category = "scim.filter"
	CategoryDiscovery Category = "scim.discovery"
	CategoryEndpoint  Category = "endpoint"
	CategoryDatabase  Category = "database"
	CategoryBackup    Category = "backup"
	CategoryOAuth     Category = "oauth"
	CategoryGeneral   Category = "general"
)

// Categories lists every valid category, in a stable order.
var Categories = []Category{
	CategoryHTTP,
	CategoryAuth,
	CategoryUser,
	CategoryGroup,
	CategoryPatch,
	CategoryFilter,
	CategoryDiscovery,
	CategoryEndpoint,
	CategoryDatabase,
	CategoryBackup,
	CategoryOAuth,
	CategoryGeneral,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown log category %q", s)
}
