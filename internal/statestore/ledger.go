package statestore

import (
	"database/sql"
	"fmt"
	"time"
)

// Ledger wraps a migrated SQLite database providing claim idempotence and a
// counters snapshot, both durable across restarts.
type Ledger struct {
	db *sql.DB
}

// NewLedger opens path, runs migrations, and returns a ready Ledger.
func NewLedger(path string) (*Ledger, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// HasHandledClaim reports whether leaseNonce has already been applied.
func (l *Ledger) HasHandledClaim(leaseNonce string) (bool, error) {
	var count int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM handled_claims WHERE lease_nonce = ?`, leaseNonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("statestore: has handled claim: %w", err)
	}
	return count > 0, nil
}

// MarkClaimHandled records leaseNonce as applied for providerID. Calling it
// twice for the same nonce is a no-op, matching idempotent claim-apply
// semantics.
func (l *Ledger) MarkClaimHandled(leaseNonce, providerID string) error {
	_, err := l.db.Exec(
		`INSERT INTO handled_claims (lease_nonce, provider_id, applied_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(lease_nonce) DO NOTHING`,
		leaseNonce, providerID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("statestore: mark claim handled: %w", err)
	}
	return nil
}

// SnapshotCounters persists the given counter values, overwriting any
// previous snapshot for the same names.
func (l *Ledger) SnapshotCounters(counters map[string]int64) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("statestore: snapshot counters: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for name, value := range counters {
		if _, err := tx.Exec(
			`INSERT INTO counters_snapshot (name, value, updated_at_ns) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at_ns = excluded.updated_at_ns`,
			name, value, now,
		); err != nil {
			return fmt.Errorf("statestore: snapshot counters: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCounters returns the last persisted counter values, keyed by name.
func (l *Ledger) LoadCounters() (map[string]int64, error) {
	rows, err := l.db.Query(`SELECT name, value FROM counters_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("statestore: load counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("statestore: load counters: scan: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}
