// Package cache remembers metadata and past conversions across files.
package cache

import (
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"unlock-music.dev/um/algo/common"
)

// MetadataEntry is what one conversion learned about an input version.
type MetadataEntry struct {
	Meta      common.AudioMeta
	CoverData []byte
	Output    string
	Format    string
	Timestamp time.Time
	FileHash  string
}

// MetadataCache is a bounded in-memory cache keyed by path, size and mtime.
// Long-running modes consult it before the history database. Expired entries
// are dropped on access; there is no background sweeper.
type MetadataCache struct {
	cache   map[string]*MetadataEntry
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

var (
	globalMetadataCache *MetadataCache
	cacheOnce           sync.Once
)

func GetGlobalMetadataCache() *MetadataCache {
	cacheOnce.Do(func() {
		globalMetadataCache = NewMetadataCache(1000, 30*time.Minute)
	})
	return globalMetadataCache
}

func NewMetadataCache(maxSize int, ttl time.Duration) *MetadataCache {
	return &MetadataCache{
		cache:   make(map[string]*MetadataEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// FileKey identifies a file version by path, size and mtime.
func FileKey(filePath string, fileSize int64, modTime time.Time) string {
	data := fmt.Sprintf("%s:%d:%d", filePath, fileSize, modTime.Unix())
	return fmt.Sprintf("%x", md5.Sum([]byte(data)))
}

func (mc *MetadataCache) Get(filePath string, fileSize int64, modTime time.Time) (*MetadataEntry, bool) {
	key := FileKey(filePath, fileSize, modTime)

	mc.mutex.RLock()
	entry, exists := mc.cache[key]
	mc.mutex.RUnlock()
	if !exists {
		return nil, false
	}

	if mc.now().Sub(entry.Timestamp) > mc.ttl {
		mc.Delete(key)
		return nil, false
	}
	return entry, true
}

// Put stores entry for the given file version, stamping it with the current
// time and the version key.
func (mc *MetadataCache) Put(filePath string, fileSize int64, modTime time.Time, entry MetadataEntry) {
	key := FileKey(filePath, fileSize, modTime)
	entry.Timestamp = mc.now()
	entry.FileHash = key

	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if _, exists := mc.cache[key]; !exists && len(mc.cache) >= mc.maxSize {
		mc.evictOldest()
	}
	mc.cache[key] = &entry
}

func (mc *MetadataCache) Delete(key string) {
	mc.mutex.Lock()
	delete(mc.cache, key)
	mc.mutex.Unlock()
}

// evictOldest must be called with the lock held.
func (mc *MetadataCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.cache {
		if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.Timestamp
		}
	}
	if oldestKey != "" {
		delete(mc.cache, oldestKey)
	}
}

func (mc *MetadataCache) Len() int {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	return len(mc.cache)
}

func (mc *MetadataCache) Clear() {
	mc.mutex.Lock()
	mc.cache = make(map[string]*MetadataEntry)
	mc.mutex.Unlock()
}
