// Package cache is a best-effort, in-process read-through cache for thread
// lists and messages. It is never the system of record.
package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxKeyLen is the longest key kept verbatim; longer keys are hashed.
const maxKeyLen = 250

// Cache holds recently computed values keyed per (username, folder).
// A nil *Cache is valid and caches nothing.
type Cache struct {
	lru    *expirable.LRU[string, any]
	prefix string

	mu     sync.Mutex
	scopes map[string]map[string]struct{}
}

// New creates a cache holding at most size entries for ttl each.
func New(size int, ttl time.Duration, prefix string) *Cache {
	c := &Cache{
		prefix: prefix,
		scopes: make(map[string]map[string]struct{}),
	}
	c.lru = expirable.NewLRU[string, any](size, c.onEvict, ttl)
	return c
}

// SafeKey makes value usable as a cache key: control characters and spaces
// become underscores, the prefix is prepended, and keys longer than 250
// characters are replaced by a hash.
func SafeKey(prefix, value string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	for _, r := range value {
		if r < 33 {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}

	key := b.String()
	if len(key) <= maxKeyLen {
		return key
	}
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// ListKey is the key of one page of a folder's thread list.
func (c *Cache) ListKey(username, folder string, page int) string {
	return SafeKey(c.keyPrefix(), fmt.Sprintf("list-%s%s%d", username, folder, page))
}

// MessageKey is the key of one message.
func (c *Cache) MessageKey(username, folder string, uid uint32) string {
	return SafeKey(c.keyPrefix(), fmt.Sprintf("message-%s%s%d", username, folder, uid))
}

func (c *Cache) keyPrefix() string {
	if c == nil {
		return ""
	}
	return c.prefix
}

func scopeOf(username, folder string) string {
	return username + "\x00" + folder
}

// Get returns a cached value.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Set stores a value under key and remembers it belongs to (username, folder).
func (c *Cache) Set(username, folder, key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	scope := scopeOf(username, folder)
	keys, ok := c.scopes[scope]
	if !ok {
		keys = make(map[string]struct{})
		c.scopes[scope] = keys
	}
	keys[key] = struct{}{}
	c.mu.Unlock()

	c.lru.Add(key, value)
}

// InvalidateFolder drops every entry stored for (username, folder).
func (c *Cache) InvalidateFolder(username, folder string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	scope := scopeOf(username, folder)
	keys := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()

	for key := range keys {
		c.lru.Remove(key)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *Cache) onEvict(key string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for scope, keys := range c.scopes {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.scopes, scope)
			}
		}
	}
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Errors are not cached.
func GetOrLoad[T any](c *Cache, username, folder, key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(username, folder, key, v)
	return v, nil
}
