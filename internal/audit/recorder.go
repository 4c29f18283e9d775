// Package audit keeps the append-only trail of state-changing actions.
// Writes are best effort: a failed insert is logged and never propagated
// into the business operation it describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Details    map[string]any
}

type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// Record writes the entry outside of any transaction.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := insert(ctx, r.db, e); err != nil {
		r.logFailure(e, err)
	}
}

// RecordTx writes the entry as part of tx. The insert runs under a savepoint
// so a failure leaves tx usable.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT audit_entry"); err != nil {
		r.logFailure(e, err)
		return
	}

	if err := insert(ctx, tx, e); err != nil {
		r.logFailure(e, err)
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT audit_entry"); rbErr != nil {
			r.logger.Error("failed to roll back audit savepoint", "error", rbErr, "action", e.Action)
		}
		return
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT audit_entry"); err != nil {
		r.logger.Error("failed to release audit savepoint", "error", err, "action", e.Action)
	}
}

func (r *Recorder) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, actor, details, created_at
		FROM audit_entries
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry   domain.AuditEntry
			actor   sql.NullString
			details []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID, &actor, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Actor = actor.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *Recorder) logFailure(e Entry, err error) {
	r.logger.Error("failed to write audit entry",
		"error", err,
		"action", e.Action,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
	)
}

func insert(ctx context.Context, db postgres.DBTX, e Entry) error {
	var details sql.NullString
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	var actor sql.NullString
	if e.Actor != "" {
		actor = sql.NullString{String: e.Actor, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_entries (action, entity_type, entity_id, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Action, e.EntityType, e.EntityID, actor, details, time.Now().UTC())
	return err
}
