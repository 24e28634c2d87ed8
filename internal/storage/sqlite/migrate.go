package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

type column struct {
	name       string
	definition string
	// key columns are part of the primary key and cannot be added later.
	key bool
}

type table struct {
	name        string
	columns     []column
	constraints string
	indexes     []string
}

// schema lists every table with the columns the current code requires.
// Columns are only ever appended here; existing ones are never renamed,
// reordered or dropped.
var schema = []table{
	{
		name: "user_usage",
		columns: []column{
			{name: "user_id", definition: "TEXT NOT NULL", key: true},
			{name: "period", definition: "TEXT NOT NULL", key: true},
			{name: "total_seconds", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "sessions_count", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "last_reset", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "session_time_remaining", definition: "INTEGER NOT NULL DEFAULT 0"},
		},
		constraints: "PRIMARY KEY (user_id, period)",
	},
	{
		name: "user_limits",
		columns: []column{
			{name: "user_id", definition: "TEXT NOT NULL PRIMARY KEY", key: true},
			{name: "monthly_limit_seconds", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "session_limit_seconds", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "max_concurrent_sessions", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "enabled", definition: "INTEGER NOT NULL DEFAULT 1"},
		},
	},
	{
		name: "active_sessions",
		columns: []column{
			{name: "session_id", definition: "TEXT NOT NULL PRIMARY KEY", key: true},
			{name: "user_id", definition: "TEXT NOT NULL DEFAULT ''"},
			{name: "start_time", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "last_heartbeat", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "quota_used", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "token_expiry", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "ip_address", definition: "TEXT NOT NULL DEFAULT ''"},
			{name: "allocation_seconds", definition: "INTEGER NOT NULL DEFAULT 0"},
			{name: "warned", definition: "INTEGER NOT NULL DEFAULT 0"},
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_active_sessions_user ON active_sessions(user_id)",
			"CREATE INDEX IF NOT EXISTS idx_active_sessions_expiry ON active_sessions(token_expiry)",
		},
	},
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// migrate creates missing tables and indexes and adds columns that an older
// schema lacks. It runs in a single transaction.
func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, t := range schema {
		if _, err := tx.Exec(t.createStatement()); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}

		existing, err := tableColumns(tx, t.name)
		if err != nil {
			return err
		}

		for _, c := range t.columns {
			if existing[c.name] {
				continue
			}
			if c.key {
				return fmt.Errorf("table %s is missing key column %s", t.name, c.name)
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t.name, c.name, c.definition)
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", t.name, c.name, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO schema_migrations (table_name, column_name) VALUES (?, ?)",
				t.name, c.name,
			); err != nil {
				return fmt.Errorf("record migration %s.%s: %w", t.name, c.name, err)
			}
		}

		for _, idx := range t.indexes {
			if _, err := tx.Exec(idx); err != nil {
				return fmt.Errorf("create index on %s: %w", t.name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (t table) createStatement() string {
	parts := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		parts = append(parts, c.name+" "+c.definition)
	}
	if t.constraints != "" {
		parts = append(parts, t.constraints)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(parts, ",\n\t"))
}

func tableColumns(tx *sql.Tx, name string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", name, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info for %s: %w", name, err)
		}
		columns[colName] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info for %s: %w", name, err)
	}
	return columns, nil
}
