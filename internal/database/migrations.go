package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version   string
	Name      string
	UpSQL     string
	DownSQL   string
	Applied   bool
	AppliedAt *time.Time
}

// LoadMigrations returns the bundled migrations sorted by version
func LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, err
		}
		m, err := ParseMigration(e.Name(), string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", e.Name(), err)
		}
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// ParseMigration splits a "<version>_<name>.sql" file into its up and down
// sections, marked by "-- +migrate Up" and "-- +migrate Down".
func ParseMigration(filename, content string) (Migration, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Migration{}, fmt.Errorf("invalid migration filename format: %s", filename)
	}

	var upSQL, downSQL strings.Builder
	var section string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "-- +migrate Up") {
			section = "up"
			continue
		} else if strings.HasPrefix(trimmed, "-- +migrate Down") {
			section = "down"
			continue
		}
		if strings.HasPrefix(trimmed, "--") || trimmed == "" {
			continue
		}

		switch section {
		case "up":
			upSQL.WriteString(line + "\n")
		case "down":
			downSQL.WriteString(line + "\n")
		}
	}

	m := Migration{
		Version: parts[0],
		Name:    strings.TrimSuffix(parts[1], ".sql"),
		UpSQL:   strings.TrimSpace(upSQL.String()),
		DownSQL: strings.TrimSpace(downSQL.String()),
	}
	if m.UpSQL == "" {
		return Migration{}, fmt.Errorf("migration %s has no up section", filename)
	}
	return m, nil
}

func (mc *MySQLClient) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB
	`
	_, err := mc.db.ExecContext(ctx, query)
	return err
}

// MigrationStatus returns the bundled migrations with their applied state
func (mc *MySQLClient) MigrationStatus(ctx context.Context) ([]Migration, error) {
	if err := mc.createMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	migrations, err := LoadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	rows, err := mc.db.QueryContext(ctx, "SELECT version, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range migrations {
		if at, ok := applied[migrations[i].Version]; ok {
			at := at
			migrations[i].Applied = true
			migrations[i].AppliedAt = &at
		}
	}
	return migrations, nil
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the ones it applied.
func (mc *MySQLClient) Migrate(ctx context.Context) ([]Migration, error) {
	migrations, err := mc.MigrationStatus(ctx)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, m := range migrations {
		if m.Applied {
			continue
		}
		err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		mc.logger.WithField("version", m.Version).WithField("name", m.Name).Info("Applied migration")
		done = append(done, m)
	}
	return done, nil
}

// Rollback reverts the most recently applied migration. It returns nil when
// nothing is applied.
func (mc *MySQLClient) Rollback(ctx context.Context) (*Migration, error) {
	migrations, err := mc.MigrationStatus(ctx)
	if err != nil {
		return nil, err
	}

	var last *Migration
	for i := len(migrations) - 1; i >= 0; i-- {
		if migrations[i].Applied {
			last = &migrations[i]
			break
		}
	}
	if last == nil {
		return nil, nil
	}

	err = mc.ExecTx(ctx, func(tx *sql.Tx) error {
		if last.DownSQL != "" {
			if _, err := tx.ExecContext(ctx, last.DownSQL); err != nil {
				return fmt.Errorf("failed to rollback migration %s: %w", last.Version, err)
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", last.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}
