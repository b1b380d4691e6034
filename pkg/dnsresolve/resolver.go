package dnsresolve

import (
	"context"
	"net"
	"strings"

	"github.com/torfoil/relaycore/pkg/logger"
)

// Purpose distinguishes why a stream asked for a name resolution, per
// exit purposes: CONNECT streams get a TCP connect once an answer arrives,
// RESOLVE streams get a RESOLVED cell.
type Purpose int

const (
	PurposeConnect Purpose = iota
	PurposeResolve
)

// ExitPolicy decides, for a resolved address family, whether the exit's
// policy permits connecting to it. A nil ExitPolicy permits everything —
// Address-policy evaluation lives outside this package, so real
// policy enforcement is injected through this narrow interface rather
// than implemented here.
type ExitPolicy interface {
	AllowsIPv4(ip net.IP) bool
	AllowsIPv6(ip net.IP) bool
}

// AllowAll is the default ExitPolicy: every family is permitted.
type AllowAll struct{}

func (AllowAll) AllowsIPv4(net.IP) bool { return true }
func (AllowAll) AllowsIPv6(net.IP) bool { return true }

// Lookuper performs the actual A/AAAA/PTR network queries. The stdlib
// *net.Resolver satisfies everything this interface needs; it is kept as
// an interface so tests can substitute a fake without touching the
// network.
type Lookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// EdgeConnection is the narrow view the resolver needs of a waiting
// stream: enough to resume it once an answer (or failure) is ready.
// This is the resolver's narrow view of a stream; the full stream object
// lives in pkg/stream and implements this interface.
type EdgeConnection interface {
	Purpose() Purpose
	PreferIPv6() bool // BEGIN_FLAG_IPV6_PREFERRED
	Resolved(result *CachedResolve)
}

// Config bundles the runtime options a Resolver needs beyond the cache
// itself.
type Config struct {
	IPv6Exit           bool
	ServerDNSTestAddrs []string
}

// Resolver is the exit-side resolution facade: it owns the cache,
// the wildcard detector, and the IPv6 timeout tracker, and drives
// requests through a Lookuper.
type Resolver struct {
	cfg      Config
	cache    *Cache
	lookup   Lookuper
	wildcard *WildcardDetector
	ipv6     *IPv6Tracker
	log      *logger.Logger
}

// New creates a Resolver. k0/k1 seed the wildcard detector's siphash key
// (pass crypto/rand-derived values in production; tests can pass fixed
// ones for determinism).
func New(cfg Config, lookup Lookuper, k0, k1 uint64, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Resolver{
		cfg:      cfg,
		cache:    NewCache(),
		lookup:   lookup,
		wildcard: NewWildcardDetector(k0, k1, len(cfg.ServerDNSTestAddrs)),
		ipv6:     &IPv6Tracker{},
		log:      log.Component("dnsresolve"),
	}
}

// isPTR reports whether address is a reverse-lookup name
// (.in-addr.arpa / .ip6.arpa).
func isPTR(address string) bool {
	return strings.HasSuffix(address, ".in-addr.arpa") || strings.HasSuffix(address, ".ip6.arpa")
}

// Resolve implements the resolver's five-step dispatch. It returns
// immediately (synchronously or via coalescing); the eventual answer is
// delivered to conn.Resolved from a background goroutine driving the
// Lookuper, matching the "suspension points: DNS answers" event-loop
// model — callers are expected to marshal conn.Resolved
// back onto the core's single thread themselves.
func (r *Resolver) Resolve(ctx context.Context, address string, conn EdgeConnection) {
	if ip := net.ParseIP(address); ip != nil {
		conn.Resolved(&CachedResolve{Address: address, Kind: answerKindFor(ip), IPv4: v4Of(ip), IPv6: v6Of(ip)})
		return
	}

	if isPTR(address) {
		r.resolvePTR(ctx, address, conn)
		return
	}

	e, hit := r.cache.Lookup(address)
	if hit && e.Pending {
		r.cache.AddWaiter(e, conn.Resolved)
		return
	}
	if hit && e.IsFresh(r.cache.now()) {
		conn.Resolved(e)
		return
	}

	wantAAAA := r.cfg.IPv6Exit && !r.ipv6.Broken()
	e = r.cache.InsertPending(address, wantAAAA)
	r.cache.AddWaiter(e, conn.Resolved)
	go r.launch(ctx, address, wantAAAA)
}

func (r *Resolver) resolvePTR(ctx context.Context, address string, conn EdgeConnection) {
	e, hit := r.cache.Lookup(address)
	if hit && e.Pending {
		r.cache.AddWaiter(e, conn.Resolved)
		return
	}
	if hit && e.IsFresh(r.cache.now()) {
		conn.Resolved(e)
		return
	}
	e = r.cache.InsertPending(address, false)
	e.AAAAWaiting = false
	r.cache.AddWaiter(e, conn.Resolved)
	go func() {
		names, err := r.lookup.LookupAddr(ctx, address)
		if err != nil || len(names) == 0 {
			r.cache.FailA(address, isTransient(err))
			return
		}
		r.cache.ResolvePTR(address, names[0], MaxDNSTTL)
	}()
}

func (r *Resolver) launch(ctx context.Context, address string, wantAAAA bool) {
	if wantAAAA {
		r.ipv6.RecordQuery()
	}
	addrs, err := r.lookup.LookupIPAddr(ctx, address)
	if err != nil {
		r.cache.FailA(address, isTransient(err))
		if wantAAAA {
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.ipv6.RecordTimeout()
			}
			r.cache.FailAAAA(address, isTransient(err))
		}
		return
	}

	var gotV4, gotV6 bool
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			r.recordAnswer(address, v4)
			r.cache.ResolveA(address, v4, MaxDNSTTL)
			gotV4 = true
		} else if wantAAAA {
			r.recordAnswer(address, a.IP)
			r.cache.ResolveAAAA(address, a.IP, MaxDNSTTL)
			gotV6 = true
		}
	}
	if !gotV4 {
		r.cache.FailA(address, false)
	}
	if wantAAAA && !gotV6 {
		r.cache.FailAAAA(address, false)
	}
}

// recordAnswer feeds the wildcard detector when address is one of the
// probe hostnames under TestDomains; real exit traffic never matches
// those suffixes so this is effectively a no-op outside probing.
func (r *Resolver) recordAnswer(address string, ip net.IP) {
	for _, suffix := range TestDomains {
		if strings.HasSuffix(address, suffix) {
			r.wildcard.RecordAnswer(ip)
			return
		}
	}
}

// SelectAnswer implements the exit-side answer selection: if
// both families resolved, the exit policy decides; if exactly one family
// is allowed, it wins; otherwise the client's IPv6 preference breaks the
// tie. A wildcard-blacklisted IP is treated as absent (converted to
// NXDOMAIN).
func (r *Resolver) SelectAnswer(e *CachedResolve, policy ExitPolicy, preferIPv6 bool) (ip net.IP, ok bool) {
	if policy == nil {
		policy = AllowAll{}
	}
	v4ok := e.IPv4 != nil && !r.wildcard.IsBlacklisted(e.IPv4) && policy.AllowsIPv4(e.IPv4)
	v6ok := e.IPv6 != nil && !r.wildcard.IsBlacklisted(e.IPv6) && policy.AllowsIPv6(e.IPv6)

	switch {
	case v4ok && v6ok:
		if preferIPv6 {
			return e.IPv6, true
		}
		return e.IPv4, true
	case v4ok:
		return e.IPv4, true
	case v6ok:
		return e.IPv6, true
	default:
		return nil, false
	}
}

// Cache exposes the underlying cache for OOM pruning by a caller that
// monitors process memory pressure.
func (r *Resolver) Cache() *Cache { return r.cache }

// Wildcard exposes the wildcard detector so a periodic prober run from
// outside this package can feed it real DNS answers.
func (r *Resolver) Wildcard() *WildcardDetector { return r.wildcard }

// IPv6 exposes the IPv6 timeout tracker.
func (r *Resolver) IPv6() *IPv6Tracker { return r.ipv6 }

func answerKindFor(ip net.IP) AnswerKind {
	if ip.To4() != nil {
		return AnswerA
	}
	return AnswerAAAA
}

func v4Of(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return nil
}

func v6Of(ip net.IP) net.IP {
	if ip.To4() != nil {
		return nil
	}
	return ip
}

func isTransient(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
