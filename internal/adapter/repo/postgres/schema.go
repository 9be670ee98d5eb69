package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// requiredTables is every table the repositories query. A fresh database
// without them must go through the migrations before the server starts.
var requiredTables = []string{
	"users",
	"api_keys",
	"providers",
	"provider_endpoints",
	"error_rules",
	"usage_ledger",
	"message_requests",
	"system_settings",
}

// SchemaReady verifies the required tables exist in the current schema. It
// returns an error wrapping domain.ErrMigrationRequired naming the missing
// tables, so callers can distinguish "run migrations" from "database down".
func SchemaReady(ctx context.Context, pool PgxPool) error {
	q := `SELECT table_name FROM information_schema.tables
	      WHERE table_schema = current_schema() AND table_name = ANY($1)`
	rows, err := pool.Query(ctx, q, requiredTables)
	if err != nil {
		return fmt.Errorf("op=schema.ready: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(requiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("op=schema.ready: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=schema.ready: %w", err)
	}

	var missing []string
	for _, t := range requiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("op=schema.ready: missing tables %s: %w",
			strings.Join(missing, ", "), domain.ErrMigrationRequired)
	}
	return nil
}
