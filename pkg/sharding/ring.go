package sharding

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// HashRing places keys on named owners (slices) by consistent hashing with
// virtual nodes.
type HashRing struct {
	replicas int
	hashes   []uint32          // sorted
	owners   map[uint32]string // hash -> owner name
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	if replicas < 1 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]string),
	}
}

func (h *HashRing) Add(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", owner, i)))
		if _, taken := h.owners[hash]; taken {
			continue
		}
		h.hashes = append(h.hashes, hash)
		h.owners[hash] = owner
	}
	sort.Slice(h.hashes, func(i, j int) bool { return h.hashes[i] < h.hashes[j] })
}

func (h *HashRing) Remove(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.hashes[:0]
	for _, hash := range h.hashes {
		if h.owners[hash] != owner {
			filtered = append(filtered, hash)
		} else {
			delete(h.owners, hash)
		}
	}
	h.hashes = filtered
}

// Owner returns the owner of key, or false if the ring is empty.
func (h *HashRing) Owner(key []byte) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.hashes) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE(key)
	idx := sort.Search(len(h.hashes), func(i int) bool { return h.hashes[i] >= hash })
	if idx == len(h.hashes) {
		idx = 0
	}
	return h.owners[h.hashes[idx]], true
}

// Owners returns the distinct owner names in sorted order.
func (h *HashRing) Owners() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[string]struct{}{}
	var result []string
	for _, name := range h.owners {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}
