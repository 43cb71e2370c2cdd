package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// dialect captures the handful of SQL differences between SQLite and
// Postgres that the kernel depends on.
type dialect struct {
	name string
}

func (d dialect) postgres() bool { return d.name == DriverPostgres }

// rebind rewrites '?' placeholders to $N for Postgres. Placeholders inside
// single-quoted literals are left alone.
func (d dialect) rebind(query string) string {
	if !d.postgres() || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// greatest/least name the two-argument max/min scalar functions.
func (d dialect) greatest() string {
	if d.postgres() {
		return "GREATEST"
	}
	return "max"
}

func (d dialect) least() string {
	if d.postgres() {
		return "LEAST"
	}
	return "min"
}

// skipLocked is appended to claim selects.
func (d dialect) skipLocked() string {
	if d.postgres() {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// lockScope serializes commit appends within one scope for the lifetime of
// the transaction. SQLite already runs one writer at a time.
func (d dialect) lockScope(ctx context.Context, tx *sql.Tx, scope string) error {
	if !d.postgres() {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "commit:"+scope); err != nil {
		return fmt.Errorf("lock scope %q: %w", scope, err)
	}
	return nil
}
