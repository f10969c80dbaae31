package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/davidbz/hestia/internal/domain"
)

// memoryStore is a size-bounded LRU over exact-fingerprint entries.
// It fronts the persistent tier so repeated identical requests skip
// the network round trip.
type memoryStore struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type memoryEntry struct {
	key       string
	response  *domain.CompletionResult
	cachedAt  time.Time
	expiresAt time.Time
}

func newMemoryStore(maxEntries int) *memoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &memoryStore{
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *memoryStore) get(key string, now time.Time) (*memoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return nil, false
	}
	m.order.MoveToFront(elem)
	return entry, true
}

// set inserts or refreshes an entry. A zero expiresAt means the entry
// never expires locally; callers derive it from the authoritative tier.
func (m *memoryStore) set(key string, response *domain.CompletionResult, cachedAt, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.response = response
		entry.cachedAt = cachedAt
		entry.expiresAt = expiresAt
		m.order.MoveToFront(elem)
		return
	}

	elem := m.order.PushFront(&memoryEntry{
		key:       key,
		response:  response,
		cachedAt:  cachedAt,
		expiresAt: expiresAt,
	})
	m.entries[key] = elem

	for m.order.Len() > m.max {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
