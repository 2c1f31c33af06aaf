package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache implementa un cache in-memory con LRU eviction e TTL.
// Le entry scadute vengono rimosse in modo lazy alla lettura o
// quando servono slot in scrittura.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
	stats      CacheStats
}

// memoryEntry rappresenta un'entry nel cache con LRU metadata
type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// NewMemoryCache crea un nuovo cache in-memory
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}

	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock sostituisce la sorgente del tempo (test)
func (m *MemoryCache) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get recupera un valore dal cache
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := m.GetWithInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithInfo recupera un valore con metadata aggiuntive
func (m *MemoryCache) GetWithInfo(ctx context.Context, key string) (*CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.entries[key]
	if !exists {
		m.stats.Misses++
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)

	// Scaduta: assente indipendentemente dalla posizione LRU
	if !m.now().Before(entry.expiresAt) {
		m.removeElement(elem)
		m.stats.Misses++
		return nil, ErrCacheMiss
	}

	m.lru.MoveToFront(elem)
	entry.hits++
	m.stats.Hits++

	return &CacheEntry{
		Key:       entry.key,
		Value:     entry.value,
		CreatedAt: entry.createdAt,
		ExpiresAt: entry.expiresAt,
		Hits:      entry.hits,
	}, nil
}

// Set salva un valore nel cache
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()

	if elem, exists := m.entries[key]; exists {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.createdAt = now
		entry.expiresAt = now.Add(ttl)
		m.lru.MoveToFront(elem)
		m.stats.Sets++
		return nil
	}

	elem := m.lru.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
	m.entries[key] = elem
	m.stats.Sets++

	if m.lru.Len() > m.maxEntries {
		m.purgeExpired(now)
	}
	for m.lru.Len() > m.maxEntries {
		m.evictOldest()
	}

	return nil
}

// Delete rimuove un valore dal cache
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.entries[key]; exists {
		m.removeElement(elem)
		m.stats.Deletes++
	}
	return nil
}

// Clear svuota il cache
func (m *MemoryCache) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	return nil
}

// Stats restituisce le statistiche
func (m *MemoryCache) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Entries = int64(m.lru.Len())
	return s
}

// Len restituisce il numero di entry nel cache
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// evictOldest rimuove l'entry meno recentemente usata (LRU)
func (m *MemoryCache) evictOldest() {
	if elem := m.lru.Back(); elem != nil {
		m.removeElement(elem)
		m.stats.Evictions++
	}
}

// purgeExpired rimuove le entry scadute prima di ricorrere all'eviction LRU
func (m *MemoryCache) purgeExpired(now time.Time) {
	for elem := m.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*memoryEntry).expiresAt) {
			m.removeElement(elem)
		}
		elem = prev
	}
}

// removeElement rimuove un elemento dal cache
func (m *MemoryCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(m.entries, entry.key)
	m.lru.Remove(elem)
}
