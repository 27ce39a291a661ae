// Package history appends to the append-only transition ledger.
// Entries are written inside the same transaction as the state change
// they record, so a committed transition always has its entry and a
// rolled-back one never does.
package history

import (
	"context"
	"database/sql"
	"time"

	"qmsline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if entry.PerformedAt == "" {
		entry.PerformedAt = w.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO history_entries(instance_id,kind,edge_name,actor_id,previous_state,new_state,comments,performed_at) VALUES (?,?,?,?,?,?,?,?)`,
		entry.InstanceID, entry.Kind, entry.EdgeName, entry.ActorID, entry.PreviousState, entry.NewState, entry.Comments, entry.PerformedAt)
	return err
}
