package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"basegraph.app/issuesync/core/db"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/store"
)

type recordGetter interface {
	Get(ctx context.Context, activityID string) (model.DedupRecord, error)
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	var (
		backend string
		key     string
	)

	cmd := &cobra.Command{
		Use:   "status <activity-id>",
		Short: "Show the persisted dedup record of an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			getter, closeFn, err := openStore(ctx, global, backend, key)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := getter.Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no persisted record for activity %q", args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&backend, "store", envOr("DEDUP_STORE", "postgres"), "dedup store backend: postgres or redis")
	cmd.Flags().StringVar(&key, "redis-key", store.DefaultDedupKey, "redis hash holding the dedup records")

	return cmd
}

func openStore(ctx context.Context, global *globalOptions, backend, key string) (recordGetter, func(), error) {
	switch backend {
	case "postgres":
		if global.databaseURL == "" {
			return nil, nil, errors.New("--database-url or DATABASE_URL is required for the postgres store")
		}
		database, err := db.New(ctx, db.Config{DSN: global.databaseURL, MaxConns: 1, MinConns: 1})
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresDedupStore(database), database.Close, nil
	case "redis":
		opts, err := redis.ParseURL(global.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return store.NewRedisDedupStore(client, key), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("store %q has no persisted records", backend)
	}
}
