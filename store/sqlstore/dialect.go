package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the differences between the supported engines. Queries
// are written with ? placeholders and rebound for postgres.
type dialect interface {
	Name() string
	// Rebind rewrites ? placeholders into the engine's native form.
	Rebind(query string) string
	// PayloadPath returns the SQL expression extracting a payload path as
	// text, e.g. name.familyName from the payload column.
	PayloadPath(path []string) string
	// IsUniqueViolation reports whether an error came from a unique index.
	IsUniqueViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) PayloadPath(path []string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range path {
		// URN segments contain dots and colons; bracket-quote every step.
		fmt.Fprintf(&sb, ".\"%s\"", strings.ReplaceAll(seg, `"`, ``))
	}
	return fmt.Sprintf("json_extract(payload, '%s')", sb.String())
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (postgresDialect) PayloadPath(path []string) string {
	quoted := make([]string, len(path))
	for i, seg := range path {
		quoted[i] = strings.ReplaceAll(seg, "'", "''")
	}
	return fmt.Sprintf("payload::jsonb #>> '{%s}'", strings.Join(quoted, ","))
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	// lib/pq unique_violation SQLSTATE.
	return err != nil && strings.Contains(err.Error(), "23505")
}
