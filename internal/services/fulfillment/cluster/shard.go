// Package cluster places aggregates on nodes. Every id hashes to one of a
// fixed number of shards; each shard is owned by exactly one live member,
// chosen by rendezvous hashing over the current membership view.
package cluster

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count when none is configured.
const DefaultShards = 100

// ShardOf maps id to a shard in [0, shards).
func ShardOf(id string, shards int) int {
	if shards <= 0 {
		shards = DefaultShards
	}
	return int(xxhash.Sum64String(id) % uint64(shards))
}

// Allocator assigns shards to members.
type Allocator struct {
	Shards int
}

// ShardOf maps id to one of the allocator's shards.
func (a Allocator) ShardOf(id string) int {
	return ShardOf(id, a.Shards)
}

// Owner returns the member with the highest rendezvous score for shard.
// Ties break on the lower member id. ok is false when members is empty.
func (a Allocator) Owner(shard int, members []Member) (owner Member, ok bool) {
	var best uint64
	for _, m := range members {
		score := rendezvous(shard, m.ID)
		if !ok || score > best || (score == best && m.ID < owner.ID) {
			owner, best, ok = m, score, true
		}
	}
	return owner, ok
}

// Assign returns the owner of every shard.
func (a Allocator) Assign(members []Member) map[int]Member {
	shards := a.Shards
	if shards <= 0 {
		shards = DefaultShards
	}
	out := make(map[int]Member, shards)
	for shard := 0; shard < shards; shard++ {
		if m, ok := a.Owner(shard, members); ok {
			out[shard] = m
		}
	}
	return out
}

func rendezvous(shard int, node string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(shard))
	_, _ = d.WriteString("/")
	_, _ = d.WriteString(node)
	return d.Sum64()
}
