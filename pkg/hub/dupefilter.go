// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package hub

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// dupeFilterCapacity bounds the number of distinct (identifier, name)
// registration attempts one TTL window tracks.
const dupeFilterCapacity = 10000

// dupeFilter short-circuits repeated registration attempts from the same
// connection within a TTL window, the same cuckoo-filter-with-expiry shape
// dupemap.TmpMap uses for per-round message dedup, collapsed to a single
// rolling window since the hub has no notion of round/height.
type dupeFilter struct {
	mu        sync.Mutex
	filter    *cuckoo.Filter
	expiresAt time.Time
	ttl       time.Duration
}

func newDupeFilter(ttl time.Duration) *dupeFilter {
	return &dupeFilter{
		filter:    cuckoo.NewFilter(dupeFilterCapacity),
		expiresAt: time.Now().Add(ttl),
		ttl:       ttl,
	}
}

// Seen reports whether (id, name) was already recorded within the current
// window, recording it for next time if not. A true result means the
// caller should short-circuit the attempt with Error(Internal) rather than
// consulting the serialized registry loop.
func (d *dupeFilter) Seen(id, name string) bool {
	key := []byte(id + "\x00" + name)

	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Now().After(d.expiresAt) {
		d.filter.Reset()
		d.expiresAt = time.Now().Add(d.ttl)
	}

	if d.filter.Lookup(key) {
		return true
	}

	d.filter.Insert(key)

	return false
}
