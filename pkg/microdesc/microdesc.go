// Package microdesc implements the on-disk microdescriptor cache: an
// mmapped flat file of abbreviated router descriptors keyed by their
// SHA-256 digest, backed by an append-only journal for new arrivals.
package microdesc

import (
	"crypto/sha256"
	"sync"
	"time"
)

// retentionWindow is how long an unreferenced microdescriptor survives a
// Clean pass after it was last listed in a consensus.
const retentionWindow = 7 * 24 * time.Hour

// Microdescriptor is one cached abbreviated router descriptor.
type Microdescriptor struct {
	Digest256   [32]byte
	Body        []byte
	LastListed  time.Time
	HeldInMap   bool
	HeldByNodes int
}

// stale reports whether d is eligible for dropping during a Clean pass:
// not listed within the retention window, and not referenced by any
// node-list entry.
func (d *Microdescriptor) stale(now time.Time) bool {
	if d.HeldByNodes > 0 {
		return false
	}
	return now.Sub(d.LastListed) > retentionWindow
}

// Cache holds every known microdescriptor in memory, mirrored to disk via
// a journal file and a mmapped flat cache file (cachefile.go).
type Cache struct {
	mu      sync.Mutex
	entries map[[32]byte]*Microdescriptor

	file *cacheFile
	jrnl *journal
}

// Digest256 hashes a microdescriptor body the way real Tor computes a
// microdescriptor's identity: the SHA-256 of its exact on-wire bytes.
func Digest256(body []byte) [32]byte {
	return sha256.Sum256(body)
}

// Open opens (creating if necessary) the cache and journal files under
// dir, replaying both into an in-memory index.
func Open(dir string) (*Cache, error) {
	c := &Cache{entries: make(map[[32]byte]*Microdescriptor)}

	cf, cfEntries, err := openCacheFile(dir)
	if err != nil {
		return nil, err
	}
	c.file = cf
	for _, e := range cfEntries {
		c.entries[e.Digest256] = e
	}

	jr, jrEntries, err := openJournal(dir)
	if err != nil {
		cf.close()
		return nil, err
	}
	c.jrnl = jr
	for _, e := range jrEntries {
		if existing, ok := c.entries[e.Digest256]; ok {
			existing.LastListed = e.LastListed
			continue
		}
		c.entries[e.Digest256] = e
	}
	return c, nil
}

// Close releases the cache's mmap and file handles.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	jerr := c.jrnl.close()
	ferr := c.file.close()
	if jerr != nil {
		return jerr
	}
	return ferr
}

// Get looks up a microdescriptor by digest.
func (c *Cache) Get(digest [32]byte) (*Microdescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[digest]
	return d, ok
}

// Len reports how many microdescriptors are currently indexed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Store records a microdescriptor seen in a consensus at now, appending it
// to the journal if it is new, or bumping LastListed if it was already
// known. It returns the stored (or updated) entry.
func (c *Cache) Store(body []byte, now time.Time) (*Microdescriptor, error) {
	digest := Digest256(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[digest]; ok {
		existing.LastListed = now
		if err := c.jrnl.appendListing(digest, now); err != nil {
			return nil, err
		}
		return existing, nil
	}

	entry := &Microdescriptor{
		Digest256:  digest,
		Body:       append([]byte(nil), body...),
		LastListed: now,
		HeldInMap:  true,
	}
	if err := c.jrnl.appendEntry(entry); err != nil {
		return nil, err
	}
	c.entries[digest] = entry

	if c.needsRebuildLocked() {
		if err := c.rebuildLocked(); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Hold increments a microdescriptor's node-list refcount, keeping it alive
// across Clean passes even if nothing re-lists it in a consensus.
func (c *Cache) Hold(digest [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.entries[digest]; ok {
		d.HeldByNodes++
	}
}

// Release decrements a microdescriptor's node-list refcount.
func (c *Cache) Release(digest [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.entries[digest]; ok && d.HeldByNodes > 0 {
		d.HeldByNodes--
	}
}

// Clean drops every entry unreferenced and not listed within the last
// seven days. force bypasses the caller's own rate limiting on how often
// Clean gets invoked; the staleness/refcount rule itself never changes.
func (c *Cache) Clean(now time.Time, force bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = force

	dropped := 0
	for digest, d := range c.entries {
		if d.stale(now) {
			delete(c.entries, digest)
			c.file.noteDropped(len(d.Body))
			dropped++
		}
	}
	if dropped > 0 {
		// A drop only takes effect in memory until it is folded back into
		// the cache file; otherwise a dropped entry still physically
		// present on disk would resurrect itself on the next Open.
		c.rebuildLocked()
	}
	return dropped
}
