package dnsresolve

import (
	"net"
	"sync"

	"github.com/dchest/siphash"
)

// wildcard-hijack detection constants.
const (
	wildcardTestDomainMin  = 10 // at least this many probes launched
	wildcardTestHitsToBlacklist = 5 // more than this many distinct queries resolving to one IP
)

// TestDomains are the suffixes periodically probed with random hostnames
// to detect a captive-portal-style DNS hijack that answers every query
// with the same IP.
var TestDomains = []string{".invalid", ".test", ".com", ".org", ".net"}

// ipKey reduces an IP to a fast, non-cryptographic 64-bit key so the
// wildcard detector's per-IP hit-counting set doesn't need to hash or
// compare raw byte slices on every probe answer.
func ipKey(k0, k1 uint64, ip net.IP) uint64 {
	return siphash.Hash(k0, k1, ip.To16())
}

// WildcardDetector counts, per candidate IP, how many probe answers
// resolved to it, and promotes an IP to the blacklist once it crosses
// the 5-out-of-10 detection threshold. Each RecordAnswer call counts once;
// hostnames are not recorded, so repeated answers for the same hostname
// are not deduplicated. Keyed with a randomly generated
// siphash key so the per-IP counters can't be pre-seeded by an adversary
// who knows which hostnames will be probed.
type WildcardDetector struct {
	mu sync.Mutex

	k0, k1 uint64

	launched   int
	hitsByIP   map[uint64]int
	blacklist  map[uint64]bool
	sampleAddr map[uint64]net.IP

	serverTestAddrCount int
	wildcardedTestAddrs map[uint64]bool

	invalid bool
}

// NewWildcardDetector creates a detector keyed with k0/k1 (typically from
// crypto/rand at startup) and told how many ServerDNSTestAddresses are
// configured, for the "DNS completely invalid" threshold.
func NewWildcardDetector(k0, k1 uint64, serverTestAddrCount int) *WildcardDetector {
	return &WildcardDetector{
		k0:                  k0,
		k1:                  k1,
		hitsByIP:            make(map[uint64]int),
		blacklist:           make(map[uint64]bool),
		sampleAddr:          make(map[uint64]net.IP),
		serverTestAddrCount: serverTestAddrCount,
		wildcardedTestAddrs: make(map[uint64]bool),
	}
}

// RecordProbe registers one launched wildcard-test query.
func (d *WildcardDetector) RecordProbe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched++
}

// RecordAnswer registers that a probe hostname resolved to ip, and
// reports whether ip just crossed the blacklist threshold.
func (d *WildcardDetector) RecordAnswer(ip net.IP) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := ipKey(d.k0, d.k1, ip)
	d.hitsByIP[key]++
	d.sampleAddr[key] = ip
	if d.blacklist[key] {
		return false
	}
	if d.launched >= wildcardTestDomainMin && d.hitsByIP[key] > wildcardTestHitsToBlacklist {
		d.blacklist[key] = true
		return true
	}
	return false
}

// IsBlacklisted reports whether ip has been flagged as a wildcard
// responder. A real answer matching a blacklisted IP is converted to
// NXDOMAIN by the caller.
func (d *WildcardDetector) IsBlacklisted(ip net.IP) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blacklist[ipKey(d.k0, d.k1, ip)]
}

// MarkTestAddressWildcarded records that one of the configured
// ServerDNSTestAddresses itself resolved to a blacklisted IP, and reports
// whether the exit should now consider DNS completely invalid (more than
// half of the configured test addresses wildcarded).
func (d *WildcardDetector) MarkTestAddressWildcarded(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := siphash.Hash(d.k0, d.k1, []byte(addr))
	if !d.wildcardedTestAddrs[key] {
		d.wildcardedTestAddrs[key] = true
	}
	if d.serverTestAddrCount > 0 && len(d.wildcardedTestAddrs) > d.serverTestAddrCount/2 {
		d.invalid = true
	}
	return d.invalid
}

// DNSCompletelyInvalid reports whether the exit has given up serving DNS
// answers because too many test addresses came back wildcarded.
func (d *WildcardDetector) DNSCompletelyInvalid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalid
}

// IPv6Tracker tracks AAAA-query timeouts: if more than
// half of at least 10 AAAA queries time out, IPv6 is marked broken and no
// further AAAA queries are issued.
type IPv6Tracker struct {
	mu               sync.Mutex
	issued, timedOut int
	broken           bool
}

// RecordQuery registers one issued AAAA query.
func (t *IPv6Tracker) RecordQuery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued++
}

// RecordTimeout registers one AAAA query timeout and updates the broken
// flag.
func (t *IPv6Tracker) RecordTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timedOut++
	if t.issued >= 10 && t.timedOut*2 > t.issued {
		t.broken = true
	}
}

// Broken reports whether IPv6 resolution should be skipped.
func (t *IPv6Tracker) Broken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}
