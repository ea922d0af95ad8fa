package users

import "sync/atomic"

// Cache is a per-worker read-only view of the shared Database snapshot
// (spec.md §2 "UserCache"). It holds an atomic pointer so a worker
// always observes one self-consistent snapshot for the duration of a
// single lookup, even while Manager swaps in a newer one concurrently
// (spec.md §5 "Ordering guarantees").
type Cache struct {
	manager *Manager
	current atomic.Pointer[Database]
	version atomic.Int64
}

// NewCache attaches a Cache to manager, seeding it with the manager's
// current snapshot.
func NewCache(manager *Manager) *Cache {
	c := &Cache{manager: manager}
	c.Refresh()
	return c
}

// Refresh pulls the latest published snapshot from the manager. Workers
// call this at suspension points, never mid-lookup (spec.md §5).
func (c *Cache) Refresh() {
	db, version := c.manager.Snapshot()
	c.current.Store(db)
	c.version.Store(version)
}

// Version returns the version of the snapshot this cache currently
// holds, used to detect whether a refresh actually advanced anything
// (spec.md §4.1 FIND_ENTRY: "if the cache version has not advanced...").
func (c *Cache) Version() int64 { return c.version.Load() }

// FindUser runs the matching algorithm against the cache's current
// snapshot. Returns the synthetic placeholder entry bundled with a
// non-OK outcome when nothing matched.
func (c *Cache) FindUser(username, addr, hostname, requestedDB string, sett Settings) Result {
	db := c.current.Load()
	if db == nil {
		return Result{Outcome: OutcomeUserNotFound, Entry: placeholderEntry(username)}
	}
	return db.FindEntry(username, addr, hostname, requestedDB, sett)
}

// RequestUpdate asks the manager to refresh from backends, bypassing the
// max-interval heartbeat wait but not the min-interval throttle (spec.md
// §4.2 "Explicit refresh requests").
func (c *Cache) RequestUpdate() {
	c.manager.RequestUpdate()
}
