// Package store holds the durable backends for dedup state.
package store

import (
	"errors"

	"basegraph.app/issuesync/internal/dedup"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	_ dedup.Store = (*PostgresDedupStore)(nil)
	_ dedup.Store = (*RedisDedupStore)(nil)
)
