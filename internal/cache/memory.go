package cache

import (
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemoryClient is an in-memory stand-in for a memcached client. It
// honors expirations against the wall clock.
type MemoryClient struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// NewMemoryClient creates an empty in-memory cache client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{items: make(map[string]memoryItem)}
}

func (m *MemoryClient) Get(key string) (*memcache.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok || (!item.expiresAt.IsZero() && time.Now().After(item.expiresAt)) {
		delete(m.items, key)
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: item.value}, nil
}

func (m *MemoryClient) Set(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	switch {
	case item.Expiration == 0:
	case int64(item.Expiration) > 30*24*60*60:
		expiresAt = time.Unix(int64(item.Expiration), 0)
	default:
		expiresAt = time.Now().Add(time.Duration(item.Expiration) * time.Second)
	}
	m.items[item.Key] = memoryItem{value: append([]byte(nil), item.Value...), expiresAt: expiresAt}
	return nil
}

func (m *MemoryClient) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(m.items, key)
	return nil
}
