package proxy

import (
	"encoding/binary"
	"sort"

	"lukechampine.com/blake3"
)

// ConsistentHash is a hash ring with virtual nodes, keyed by backend id.
type ConsistentHash struct {
	ring         map[uint64]string // point → backend id
	sortedHashes []uint64
	virtualNodes int
}

// NewConsistentHash creates a ring placing virtualNodes points per backend
// (150 when virtualNodes <= 0).
func NewConsistentHash(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &ConsistentHash{
		ring:         make(map[uint64]string),
		virtualNodes: virtualNodes,
	}
}

// AddBackend places the points of a backend on the ring.
func (ch *ConsistentHash) AddBackend(id string) {
	for i := 0; i < ch.virtualNodes; i++ {
		ch.ring[pointHash(id, i)] = id
	}
	ch.rebuild()
}

// RemoveBackend takes the points of a backend off the ring.
func (ch *ConsistentHash) RemoveBackend(id string) {
	for i := 0; i < ch.virtualNodes; i++ {
		h := pointHash(id, i)
		if ch.ring[h] == id {
			delete(ch.ring, h)
		}
	}
	ch.rebuild()
}

func (ch *ConsistentHash) rebuild() {
	ch.sortedHashes = ch.sortedHashes[:0]
	for h := range ch.ring {
		ch.sortedHashes = append(ch.sortedHashes, h)
	}
	sort.Slice(ch.sortedHashes, func(i, j int) bool {
		return ch.sortedHashes[i] < ch.sortedHashes[j]
	})
}

// GetBackend returns the backend owning key, or "" for an empty ring.
func (ch *ConsistentHash) GetBackend(key string) string {
	return ch.Walk(key, func(string) bool { return true })
}

// Walk visits backends clockwise from the point of key and returns the
// first one accepted by ok, or "" when none is.
func (ch *ConsistentHash) Walk(key string, ok func(id string) bool) string {
	if len(ch.sortedHashes) == 0 {
		return ""
	}
	h := keyHash(key)
	start := sort.Search(len(ch.sortedHashes), func(i int) bool {
		return ch.sortedHashes[i] >= h
	})
	seen := make(map[string]bool)
	for i := 0; i < len(ch.sortedHashes); i++ {
		id := ch.ring[ch.sortedHashes[(start+i)%len(ch.sortedHashes)]]
		if seen[id] {
			continue
		}
		if ok(id) {
			return id
		}
		seen[id] = true
	}
	return ""
}

// Size returns the number of distinct backends on the ring.
func (ch *ConsistentHash) Size() int {
	seen := make(map[string]struct{})
	for _, id := range ch.ring {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func pointHash(id string, vnode int) uint64 {
	h := blake3.New(32, nil)
	h.Write([]byte(id))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(vnode))
	h.Write(idx[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func keyHash(key string) uint64 {
	sum := blake3.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
