package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// HistoryRepository appends and reads the immutable change-history trail.
// Append is the only mutation exposed; purging is a separate administrative
// operation outside the workflow.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one history entry.
func (r *HistoryRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	beforeJSON, err := marshalSnapshot(entry.DataBefore)
	if err != nil {
		return err
	}
	afterJSON, err := marshalSnapshot(entry.DataAfter)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO history_entries
		    (target_kind, target_id, report_id, gap_id, target_repr,
		     action, description, actor_id, data_before, data_after)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING id, recorded_at
	`

	return r.db.QueryRow(ctx, query,
		entry.TargetKind,
		entry.TargetID,
		entry.ReportID,
		entry.GapID,
		entry.TargetRepr,
		entry.Action,
		entry.Description,
		entry.ActorID,
		beforeJSON,
		afterJSON,
	).Scan(&entry.ID, &entry.RecordedAt)
}

// ListForReport returns the trail for a report and its gaps, oldest first.
func (r *HistoryRepository) ListForReport(ctx context.Context, reportID int64) ([]*HistoryEntry, error) {
	query := `
		SELECT id, target_kind, target_id, report_id, gap_id, target_repr,
		       action, description, actor_id, data_before, data_after, recorded_at
		FROM history_entries
		WHERE report_id = $1
		   OR (target_kind = 'report' AND target_id = $1)
		ORDER BY recorded_at ASC
	`

	rows, err := r.db.Query(ctx, query, reportID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get report history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListForGap returns the trail for one gap, oldest first.
func (r *HistoryRepository) ListForGap(ctx context.Context, gapID int64) ([]*HistoryEntry, error) {
	query := `
		SELECT id, target_kind, target_id, report_id, gap_id, target_repr,
		       action, description, actor_id, data_before, data_after, recorded_at
		FROM history_entries
		WHERE gap_id = $1
		   OR (target_kind = 'gap' AND target_id = $1)
		ORDER BY recorded_at ASC
	`

	rows, err := r.db.Query(ctx, query, gapID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get gap history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalSnapshot(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history snapshot")
	}
	return raw, nil
}

func (r *HistoryRepository) scanRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type historyScanner interface {
	Scan(dest ...any) error
}

func (r *HistoryRepository) scanEntry(sc historyScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	var beforeJSON, afterJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.TargetKind,
		&entry.TargetID,
		&entry.ReportID,
		&entry.GapID,
		&entry.TargetRepr,
		&entry.Action,
		&entry.Description,
		&entry.ActorID,
		&beforeJSON,
		&afterJSON,
		&entry.RecordedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
	}

	if beforeJSON != nil {
		if err := json.Unmarshal(beforeJSON, &entry.DataBefore); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history snapshot")
		}
	}
	if afterJSON != nil {
		if err := json.Unmarshal(afterJSON, &entry.DataAfter); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history snapshot")
		}
	}
	return entry, nil
}
