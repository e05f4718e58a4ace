// Package dedup implements the TTL-bounded seen-set that keeps the sync
// client from re-publishing an endpoint it has already told the
// inventory API about within the configured window.
//
// The cache stays a single mutex guarding a plain map rather than a
// sharded structure: spec.md §5 requires the opportunistic cleanup
// sweep to run inside the same critical section as the lookup, which
// only holds if there's one lock to begin with.
package dedup

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/arnaav00/daemonset-capture/pkg/model"
)

const (
	// DefaultTTL is how long a fingerprint suppresses repeat syncs.
	DefaultTTL = 1 * time.Hour
	// DefaultCleanupEvery sweeps expired entries on every Nth access.
	DefaultCleanupEvery = 300
)

// fingerprintHeaders is the bounded auth-relevant header subset folded
// into a request's fingerprint.
var fingerprintHeaders = []string{"Content-Type", "Accept", "Authorization"}

// Cache is a TTL-bounded set of capture fingerprints.
type Cache struct {
	mu           sync.Mutex
	seen         map[uint64]time.Time
	ttl          time.Duration
	cleanupEvery int
	accesses     int
	now          func() time.Time
}

// New builds a Cache with the given TTL and cleanup cadence. Zero values
// fall back to DefaultTTL / DefaultCleanupEvery.
func New(ttl time.Duration, cleanupEvery int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cleanupEvery <= 0 {
		cleanupEvery = DefaultCleanupEvery
	}
	return &Cache{
		seen:         make(map[uint64]time.Time),
		ttl:          ttl,
		cleanupEvery: cleanupEvery,
		now:          time.Now,
	}
}

// Fingerprint computes the deterministic dedup key for a capture.
func Fingerprint(c *model.Capture) uint64 {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%d|", c.Service, c.Method, c.Endpoint, c.Kind, c.StatusCode)
	if c.Kind == model.KindRequest {
		keys := make([]string, 0, len(fingerprintHeaders))
		for _, h := range fingerprintHeaders {
			if v, ok := lookupFold(c.RequestHeaders, h); ok {
				keys = append(keys, h+"="+v)
			}
		}
		sort.Strings(keys)
		b.WriteString(strings.Join(keys, ";"))
	}
	return xxhash.Sum64String(b.String())
}

func lookupFold(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Seen reports whether an identical fingerprint was recorded within the
// TTL window, recording this capture's fingerprint as seen when it was
// not. It also stamps the fingerprint onto the capture for operator
// visibility.
func (c *Cache) Seen(cap *model.Capture) bool {
	fp := Fingerprint(cap)
	cap.Fingerprint = fmt.Sprintf("%016x", fp)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.accesses++
	if c.cleanupEvery > 0 && c.accesses%c.cleanupEvery == 0 {
		c.sweepLocked()
	}

	now := c.now()
	if firstSeen, ok := c.seen[fp]; ok {
		if now.Sub(firstSeen) < c.ttl {
			return true
		}
	}
	c.seen[fp] = now
	return false
}

// sweepLocked must be called with mu held.
func (c *Cache) sweepLocked() {
	now := c.now()
	for fp, t := range c.seen {
		if now.Sub(t) >= c.ttl {
			delete(c.seen, fp)
		}
	}
}

// Len reports the number of live entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
