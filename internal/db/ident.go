package db

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdent reports whether s is a plain SQL identifier (no quoting needed,
// at most 63 bytes).
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// Qualify returns a quoted, schema-qualified identifier.
func Qualify(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// Quote quotes a single identifier.
func Quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sanitizeTable handles schema-qualified table names like "public.parcels".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(table string) string {
	return sanitizeTable(table)
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
