package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ledger maps every indexed file of a knowledge root to the digest of the
// content that was last indexed for it.
type Ledger struct {
	db *sql.DB
}

func (l *Ledger) Load(ctx context.Context, root string) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT path, digest FROM ledger_entries WHERE root = ?", root)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	res := make(map[string]string)
	for rows.Next() {
		var path, digest string
		if err := rows.Scan(&path, &digest); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		res[path] = digest
	}

	return res, rows.Err()
}

// Save replaces the ledger of root in one transaction. Either the new version
// is committed or the previous one stays intact.
func (l *Ledger) Save(ctx context.Context, root string, entries map[string]string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM ledger_entries WHERE root = ?", root); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO ledger_entries (root, path, digest, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for path, digest := range entries {
		if _, err := stmt.ExecContext(ctx, root, path, digest, now); err != nil {
			return fmt.Errorf("failed to save ledger entry %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}

	return nil
}
