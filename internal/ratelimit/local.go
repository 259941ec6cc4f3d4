package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localWindow is the degraded-mode counter used while Redis is down. Entries
// expire with the rate window; the LRU bound keeps memory flat under a key
// flood.
type localWindow struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *counter]
}

type counter struct {
	mu    sync.Mutex
	count int
	reset time.Time
}

func newLocalWindow(size int) *localWindow {
	return &localWindow{
		cache: expirable.NewLRU[string, *counter](size, nil, time.Minute),
	}
}

func (w *localWindow) hit(key string, window time.Duration) int {
	w.mu.Lock()
	c, ok := w.cache.Get(key)
	if !ok {
		c = &counter{}
		w.cache.Add(key, c)
	}
	w.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.reset) {
		c.count = 0
		c.reset = now.Add(window)
	}
	c.count++
	return c.count
}
