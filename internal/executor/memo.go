package executor

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/metrics"
)

// Memo is a bounded, concurrency-safe chunk memo for one evaluation. It
// implements cube.Cache.
type Memo struct {
	cache *lru.Cache[cube.Key, *chunk.Chunk]
}

// NewMemo returns a memo holding at most size chunks.
func NewMemo(size int) (*Memo, error) {
	c, err := lru.New[cube.Key, *chunk.Chunk](size)
	if err != nil {
		return nil, err
	}
	return &Memo{cache: c}, nil
}

// Get implements cube.Cache.
func (m *Memo) Get(k cube.Key) (*chunk.Chunk, bool) {
	c, ok := m.cache.Get(k)
	if ok {
		metrics.MemoHits.Inc()
	}
	return c, ok
}

// Add implements cube.Cache.
func (m *Memo) Add(k cube.Key, c *chunk.Chunk) { m.cache.Add(k, c) }

// Len returns the number of memoized chunks.
func (m *Memo) Len() int { return m.cache.Len() }
