package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// schemaFS embeds the idempotent table definitions.
//
//go:embed sql/*.sql
var schemaFS embed.FS

// ensureSchema applies all embedded SQL files in lexical order.
// Every statement uses IF NOT EXISTS, so repeated calls are no-ops.
func ensureSchema(ctx context.Context, pool *Pool) error {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(schemaFS, "sql/"+file)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		// No arguments, so pgx sends this over the simple protocol and
		// multiple statements are allowed.
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply schema %s: %w", file, err)
		}
	}

	return nil
}
