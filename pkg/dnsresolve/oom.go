package dnsresolve

// Approximate per-entry memory cost used when this cache participates in
// the global memory-pressure handler: map slot, heap slot, timestamps and
// the answer fields, plus the variable address and PTR strings.
const entryOverheadBytes = 160

func estimateEntryBytes(e *CachedResolve) int {
	return entryOverheadBytes + len(e.Address) + len(e.PTRName) + len(e.IPv4) + len(e.IPv6)
}

// Name identifies this cache to the memory-pressure handler.
func (c *Cache) Name() string { return "dnscache" }

// MemoryUsed approximates the cache's total memory footprint.
func (c *Cache) MemoryUsed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, e := range c.entries {
		total += uint64(estimateEntryBytes(e))
	}
	return total
}

// TrimTo evicts soonest-to-expire entries until the cache fits in target
// bytes, returning the bytes freed.
func (c *Cache) TrimTo(target uint64) uint64 {
	used := c.MemoryUsed()
	if used <= target {
		return 0
	}
	excess := int(used - target)
	c.PruneOOM(estimateEntryBytes, excess)
	after := c.MemoryUsed()
	if after >= used {
		return 0
	}
	return used - after
}
