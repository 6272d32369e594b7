// Package cache wraps the shared memcached instance used by every
// worker for FX rates, permission snapshots, stats plots, and
// last-seen timestamps.
package cache

import (
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Well-known keys and prefixes. These are part of the deployment's
// contract with the other services that read them, so they are literal.
const (
	ConvertPrefix          = "loansbot/convert"
	PermsPrefix            = "perms"
	ModlogLastActionAtKey  = "loansbot_runners_modlog_last_action_at"
	ModSyncLastCheckAtKey  = "runners/mod_sync/last_check_at"
	StatsLoansPrefix       = "stats/loans"
)

// thirtyDays is memcached's threshold: expirations beyond it must be
// sent as an absolute unix timestamp.
const thirtyDays = 30 * 24 * time.Hour

// Cache is a thin typed wrapper over a memcached client.
type Cache struct {
	mc client
}

// client is the subset of *memcache.Client the wrapper needs, split
// out so tests can substitute an in-memory fake.
type client interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// New connects to the memcached instance at addr (host:port).
func New(addr string) *Cache {
	return &Cache{mc: memcache.New(addr)}
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(mc client) *Cache {
	return &Cache{mc: mc}
}

// Get returns the value at key, with found=false on a miss.
func (c *Cache) Get(key string) (value []byte, found bool, err error) {
	item, err := c.mc.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set writes value at key with the given TTL. A zero TTL never
// expires.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	var exp int32
	if ttl > thirtyDays {
		exp = int32(time.Now().Add(ttl).Unix())
	} else if ttl > 0 {
		exp = int32(ttl / time.Second)
	}
	return c.mc.Set(&memcache.Item{Key: key, Value: value, Expiration: exp})
}

// Delete removes key. Deleting an absent key reports found=false with
// no error.
func (c *Cache) Delete(key string) (found bool, err error) {
	err = c.mc.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
