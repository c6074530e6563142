package localdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
)

// AuditLog records every shipment attempt to the shipment_log table, giving
// operators a durable history independent of state.Store's current-state-only
// tracking. Grounded on original_source/database_connector.py's SQLite
// shipment_log table, promoted here to a migrated MySQL schema per
// SPEC_FULL.md §3.1.
type AuditLog struct {
	db *DB
}

func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db}
}

func (a *AuditLog) Record(ctx context.Context, entry models.ShipmentLogEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO shipment_log (linkedid, phase, success, status_code, error, shipped_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.LinkedID, string(entry.Phase), entry.Success, entry.StatusCode, entry.Error, entry.ShippedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to record shipment audit entry")
	}
	return nil
}

// RecentForLinkedID returns the most recent audit entries for a linkedid,
// newest first, for operator inspection via cmd/agentctl.
func (a *AuditLog) RecentForLinkedID(ctx context.Context, linkedID string, limit int) ([]models.ShipmentLogEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, linkedid, phase, success, status_code, error, shipped_at
		 FROM shipment_log WHERE linkedid = ? ORDER BY shipped_at DESC LIMIT ?`,
		linkedID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query shipment audit log")
	}
	defer rows.Close()

	var entries []models.ShipmentLogEntry
	for rows.Next() {
		var e models.ShipmentLogEntry
		var phase string
		var errMsg sql.NullString
		var shippedAt time.Time
		if err := rows.Scan(&e.ID, &e.LinkedID, &phase, &e.Success, &e.StatusCode, &errMsg, &shippedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan shipment audit row")
		}
		e.Phase = models.ShipPhase(phase)
		e.Error = errMsg.String
		e.ShippedAt = shippedAt
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
