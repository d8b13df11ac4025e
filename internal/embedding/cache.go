package embedding

import (
	"context"
	"sync"
)

// Caching wraps an Embedder with an in-memory cache keyed on the exact
// input text, so repeated queries (a decontextualized query re-embedded
// across retrieval backends) only hit the provider once.
type Caching struct {
	next Embedder

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewCaching wraps next with an in-memory cache.
func NewCaching(next Embedder) *Caching {
	return &Caching{next: next, cache: make(map[string][]float32)}
}

func (c *Caching) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	var missIdx []int

	c.mu.RLock()
	for i, t := range texts {
		if v, ok := c.cache[t]; ok {
			out[i] = v
		} else {
			misses = append(misses, t)
			missIdx = append(missIdx, i)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, misses)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i, idx := range missIdx {
		out[idx] = vectors[i]
		c.cache[misses[i]] = vectors[i]
	}
	c.mu.Unlock()

	return out, nil
}
