package id

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	mu   sync.RWMutex
)

var ErrNotInitialized = errors.New("id generator not initialized")

// Init initializes the Snowflake node with the given node ID. Calling Init again
// with the same node is a no-op; a different node ID replaces the generator.
func Init(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()

	if node != nil && nodeID == nodeIDOf(node) {
		return nil
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	node = n
	return nil
}

// New generates a new globally unique int64 ID.
func New() int64 {
	return mustNode().Generate().Int64()
}

// NewString returns a Snowflake ID in base-10 string form, used for activity
// ids the caller did not supply.
func NewString() string {
	return mustNode().Generate().String()
}

func mustNode() *snowflake.Node {
	mu.RLock()
	defer mu.RUnlock()
	if node == nil {
		panic(ErrNotInitialized)
	}
	return node
}

func nodeIDOf(n *snowflake.Node) int64 {
	return n.Generate().Node()
}
