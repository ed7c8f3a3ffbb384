package store

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrLocked is returned by GetNoBlock when the requested key is already
// checked out by another caller (spec.md §4.5/§7: CacheError::Locked,
// "never blocks").
var ErrLocked = errors.New("store: key is locked")

// Manager composes a Cache and a KvStore for one entity type, enforcing
// the spec's checkout/return discipline: at most one caller may hold a
// mutable handle to a given key at a time, and every mutation is
// persisted on return (spec.md §4.5).
type Manager[T Storable] struct {
	cache *Cache[T]
	store *KvStore[T]
	newT  Factory[T]
	log   *logrus.Entry
}

// NewManager composes cache and store for one object type.
func NewManager[T Storable](cache *Cache[T], store *KvStore[T], newT Factory[T], log *logrus.Entry) *Manager[T] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager[T]{cache: cache, store: store, newT: newT, log: log}
}

// GetNoBlock checks out key exclusively. On a cache hit whose value is
// stale relative to the store, it is reloaded in place first; on a cache
// miss, a fresh value is allocated and populated from the store if
// present. Returns ErrLocked if key is already checked out — it never
// blocks.
func (m *Manager[T]) GetNoBlock(key string) (T, error) {
	var zero T

	if v, ok := m.cache.Get(key); ok {
		if !m.store.IsFresh(v, key) {
			reloaded := m.newT()
			if _, err := m.store.Get(reloaded, key); err != nil {
				return zero, fmt.Errorf("store: reloading %s from disk: %w", key, err)
			}
			m.cache.Put(key, reloaded)
			v = reloaded
		}
		if !m.cache.tryLock(key) {
			return zero, ErrLocked
		}
		return v, nil
	}

	v := m.newT()
	if _, err := m.store.Get(v, key); err != nil {
		return zero, fmt.Errorf("store: loading %s: %w", key, err)
	}
	m.cache.Put(key, v)
	if !m.cache.tryLock(key) {
		// Another goroutine raced us between Put and tryLock and locked
		// the entry first.
		return zero, ErrLocked
	}
	return v, nil
}

// PutNoBlock persists handle at key and unlocks it. The handle must have
// been obtained from GetNoBlock for this same key. If the cache rejects
// re-insertion (it won't, in this implementation, but the spec allows for
// it in future cache policies), the object is simply not kept resident —
// durability never depends on it.
func (m *Manager[T]) PutNoBlock(handle T, key string) error {
	if !m.cache.isLocked(key) {
		return fmt.Errorf("store: put %s: handle is not locked", key)
	}
	if err := m.store.Put(handle, key); err != nil {
		// Per spec.md §7: store errors on return are logged, the object
		// is still unlocked so no checkout ever deadlocks on a stale lock.
		m.log.WithError(err).WithField("key", key).Error("failed to persist object on return")
		m.cache.unlock(key)
		return err
	}
	if !m.cache.Put(key, handle) {
		m.log.WithField("key", key).Debug("object did not re-enter cache, dropped")
	}
	m.cache.unlock(key)
	return nil
}

// DeleteNoBlock removes key from both store and cache. The handle must
// have been obtained from GetNoBlock for this same key.
func (m *Manager[T]) DeleteNoBlock(key string) error {
	if !m.cache.isLocked(key) {
		return fmt.Errorf("store: delete %s: handle is not locked", key)
	}
	err := m.store.Delete(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.cache.unlock(key)
		return err
	}
	m.cache.Delete(key)
	return nil
}
