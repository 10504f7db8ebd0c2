// dedup.go: suppression of re-published cumulative passenger counts.
package ingest

import (
	"fmt"

	gocache "github.com/patrickmn/go-cache"
)

// DedupCache remembers the last accepted cumulative total per bus. Devices
// re-publish their current snapshot on reconnect; without this every
// reconnect would persist a duplicate observation.
//
// Entries never expire: the working set is bounded by the fleet size, and a
// process restart losing the cache only means the first message per bus is
// accepted again, which is harmless.
type DedupCache struct {
	totals *gocache.Cache
}

// NewDedupCache creates an empty dedup cache.
func NewDedupCache() *DedupCache {
	return &DedupCache{
		totals: gocache.New(gocache.NoExpiration, 0),
	}
}

// ShouldAccept reports whether a counting update with the given cumulative
// total should be persisted for the bus. It returns false only when the
// previous accepted total is identical; otherwise it records the new total
// and returns true.
func (d *DedupCache) ShouldAccept(busID uint, total int) bool {
	key := fmt.Sprintf("%d", busID)
	if prev, found := d.totals.Get(key); found && prev.(int) == total {
		return false
	}
	d.totals.Set(key, total, gocache.NoExpiration)
	return true
}
