package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/issuesync/internal/model"
)

const DefaultDedupKey = "issuesync:dedup"

// RedisDedupStore keeps the terminal dedup records as one hash, field per
// activity id, value the JSON-encoded record.
type RedisDedupStore struct {
	client *redis.Client
	key    string
}

func NewRedisDedupStore(client *redis.Client, key string) *RedisDedupStore {
	if key == "" {
		key = DefaultDedupKey
	}
	return &RedisDedupStore{client: client, key: key}
}

func (s *RedisDedupStore) Load(ctx context.Context) ([]model.DedupRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}

	records := make([]model.DedupRecord, 0, len(fields))
	for activityID, raw := range fields {
		var rec model.DedupRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.WarnContext(ctx, "skipping undecodable dedup record",
				"activity_id", activityID,
				"error", err)
			continue
		}
		rec.ActivityID = activityID
		records = append(records, rec)
	}
	return records, nil
}

// Save replaces the hash atomically with the given terminal records.
func (s *RedisDedupStore) Save(ctx context.Context, records []model.DedupRecord) error {
	values := make(map[string]any, len(records))
	for _, rec := range records {
		if rec.ActivityID == "" || !rec.Status.Terminal() {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding dedup record %s: %w", rec.ActivityID, err)
		}
		values[rec.ActivityID] = string(raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving dedup records to %s: %w", s.key, err)
	}

	slog.DebugContext(ctx, "dedup records saved", "store", "redis", "records", len(values))
	return nil
}

// Get returns one stored record.
func (s *RedisDedupStore) Get(ctx context.Context, activityID string) (model.DedupRecord, error) {
	raw, err := s.client.HGet(ctx, s.key, activityID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.DedupRecord{}, ErrNotFound
		}
		return model.DedupRecord{}, fmt.Errorf("hget %s: %w", s.key, err)
	}
	var rec model.DedupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.DedupRecord{}, fmt.Errorf("decoding dedup record %s: %w", activityID, err)
	}
	return rec, nil
}
