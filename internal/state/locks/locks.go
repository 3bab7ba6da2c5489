// Package locks provides the sharded per-stream write lock table. Writes to
// one stream are serialized through a single shard; writes to different
// streams usually proceed in parallel. The shard count bounds memory instead
// of keeping one mutex per stream, at the cost of occasional false sharing.
package locks

import (
	"sync"

	"github.com/courtside/stateledger/internal/state/types"
)

const DefaultShardCount = 64

type Table struct {
	shards []sync.Mutex
}

// NewTable creates a lock table with the given shard count. The shard count
// is a tunable; values below 1 fall back to DefaultShardCount.
func NewTable(shardCount int) *Table {
	if shardCount < 1 {
		shardCount = DefaultShardCount
	}
	return &Table{shards: make([]sync.Mutex, shardCount)}
}

// Lock acquires the shard for the stream and returns its unlock func.
func (t *Table) Lock(key types.StreamKey) func() {
	shard := &t.shards[t.shardFor(key)]
	shard.Lock()
	return shard.Unlock
}

func (t *Table) shardFor(key types.StreamKey) int {
	data := key.String()
	var hash uint32
	for i := 0; i < len(data); i++ {
		hash = 31*hash + uint32(data[i])
	}
	return int(hash % uint32(len(t.shards)))
}

// ShardCount returns the configured number of shards.
func (t *Table) ShardCount() int {
	return len(t.shards)
}
