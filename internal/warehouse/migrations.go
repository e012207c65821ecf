package warehouse

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/clickhouse/*.sql migrations/duckdb/*.sql
var migrationsFS embed.FS

// Migrator executes schema statements for one dialect.
type Migrator interface {
	Dialect() Dialect
	Exec(ctx context.Context, sql string, args ...any) error
}

// RunMigrations creates the rollup tables for m's dialect. Files run in
// filename order and every statement is idempotent.
func RunMigrations(ctx context.Context, log *slog.Logger, m Migrator) error {
	dir := path.Join("migrations", string(m.Dialect()))
	log.Info("warehouse: running migrations", "dialect", m.Dialect())

	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := m.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", name, i+1, err)
			}
		}
		log.Debug("warehouse: completed migration", "file", name)
	}

	log.Info("warehouse: migrations completed", "count", len(files))
	return nil
}

// splitSQLStatements splits on trailing semicolons, dropping blank and comment lines.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
