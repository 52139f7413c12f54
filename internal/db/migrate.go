package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	Name string
	SQL  string
}

// Migrate executes every .up.sql file in dir in filename order.
// Migrations are written to be idempotent, so running them twice is harmless.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) ([]string, error) {
	migrations, err := readMigrations(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	applied := make([]string, 0, len(migrations))
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return applied, fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}

	return applied, nil
}

func readMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", path, err)
		}
		migrations = append(migrations, migration{Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})

	return migrations, nil
}
