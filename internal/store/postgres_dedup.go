package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"basegraph.app/issuesync/core/db"
	"basegraph.app/issuesync/internal/model"
)

const dedupSchema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	activity_id TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	remote_id   TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL
)`

const upsertDedupRecord = `
INSERT INTO dedup_records (activity_id, status, remote_id, reason, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (activity_id) DO UPDATE SET
	status = EXCLUDED.status,
	remote_id = EXCLUDED.remote_id,
	reason = EXCLUDED.reason,
	updated_at = EXCLUDED.updated_at
WHERE dedup_records.status <> 'committed' OR EXCLUDED.status = 'committed'`

// PostgresDedupStore keeps the terminal dedup records in one table. Save
// replaces the stored set: rows missing from the saved set were pruned.
type PostgresDedupStore struct {
	db *db.DB
}

func NewPostgresDedupStore(database *db.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: database}
}

func (s *PostgresDedupStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool().Exec(ctx, dedupSchema); err != nil {
		return fmt.Errorf("creating dedup_records table: %w", err)
	}
	return nil
}

func (s *PostgresDedupStore) Load(ctx context.Context) ([]model.DedupRecord, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT activity_id, status, remote_id, reason, updated_at FROM dedup_records`)
	if err != nil {
		return nil, fmt.Errorf("querying dedup records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DedupRecord, error) {
		var (
			rec    model.DedupRecord
			status string
		)
		err := row.Scan(&rec.ActivityID, &status, &rec.RemoteID, &rec.Reason, &rec.UpdatedAt)
		rec.Status = model.DedupStatus(status)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning dedup records: %w", err)
	}
	return records, nil
}

func (s *PostgresDedupStore) Save(ctx context.Context, records []model.DedupRecord) error {
	start := time.Now()
	ids := make([]string, 0, len(records))
	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.ActivityID == "" || !rec.Status.Terminal() {
			continue
		}
		ids = append(ids, rec.ActivityID)
		batch.Queue(upsertDedupRecord, rec.ActivityID, string(rec.Status), rec.RemoteID, rec.Reason, rec.UpdatedAt)
	}

	var pruned int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM dedup_records WHERE NOT (activity_id = ANY($1))`, ids)
		if err != nil {
			return fmt.Errorf("deleting pruned dedup records: %w", err)
		}
		pruned = tag.RowsAffected()

		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("upserting dedup record: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "dedup records saved",
		"store", "postgres",
		"records", len(ids),
		"pruned", pruned,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Get returns one stored record.
func (s *PostgresDedupStore) Get(ctx context.Context, activityID string) (model.DedupRecord, error) {
	var (
		rec    model.DedupRecord
		status string
	)
	err := s.db.Pool().QueryRow(ctx,
		`SELECT activity_id, status, remote_id, reason, updated_at FROM dedup_records WHERE activity_id = $1`,
		activityID,
	).Scan(&rec.ActivityID, &status, &rec.RemoteID, &rec.Reason, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DedupRecord{}, ErrNotFound
		}
		return model.DedupRecord{}, err
	}
	rec.Status = model.DedupStatus(status)
	return rec, nil
}
