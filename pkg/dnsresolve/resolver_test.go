package dnsresolve

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookuper struct {
	mu        sync.Mutex
	addrs     map[string][]net.IPAddr
	ptrNames  map[string][]string
	err       error
	callCount int
}

func (f *fakeLookuper) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func (f *fakeLookuper) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return f.ptrNames[addr], nil
}

type fakeEdge struct {
	purpose    Purpose
	preferIPv6 bool
	mu         sync.Mutex
	results    []*CachedResolve
}

func (e *fakeEdge) Purpose() Purpose    { return e.purpose }
func (e *fakeEdge) PreferIPv6() bool    { return e.preferIPv6 }
func (e *fakeEdge) Resolved(r *CachedResolve) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

func (e *fakeEdge) wait(t *testing.T) *CachedResolve {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.results)
		e.mu.Unlock()
		if n > 0 {
			e.mu.Lock()
			r := e.results[0]
			e.mu.Unlock()
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("resolver never answered")
	return nil
}

func TestResolveIPLiteralIsSynchronous(t *testing.T) {
	r := New(Config{}, &fakeLookuper{}, 1, 2, nil)
	e := &fakeEdge{}
	r.Resolve(context.Background(), "203.0.113.1", e)
	require.Len(t, e.results, 1)
	assert.Equal(t, AnswerA, e.results[0].Kind)
}

func TestResolveHostnameGoesThroughLookuper(t *testing.T) {
	lk := &fakeLookuper{addrs: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	r := New(Config{}, lk, 1, 2, nil)
	e := &fakeEdge{}
	r.Resolve(context.Background(), "example.com", e)
	got := e.wait(t)
	assert.Equal(t, AnswerA, got.Kind)
	assert.Equal(t, net.ParseIP("93.184.216.34").To4(), got.IPv4)
}

func TestResolveCoalescesConcurrentRequests(t *testing.T) {
	lk := &fakeLookuper{addrs: map[string][]net.IPAddr{
		"coalesce.example": {{IP: net.ParseIP("1.1.1.1")}},
	}}
	r := New(Config{}, lk, 1, 2, nil)
	e1, e2 := &fakeEdge{}, &fakeEdge{}
	r.Resolve(context.Background(), "coalesce.example", e1)
	r.Resolve(context.Background(), "coalesce.example", e2)
	e1.wait(t)
	e2.wait(t)

	lk.mu.Lock()
	calls := lk.callCount
	lk.mu.Unlock()
	assert.Equal(t, 1, calls, "second caller should coalesce onto the first lookup")
}

func TestResolveFailurePropagates(t *testing.T) {
	lk := &fakeLookuper{err: errors.New("boom")}
	r := New(Config{}, lk, 1, 2, nil)
	e := &fakeEdge{}
	r.Resolve(context.Background(), "fails.example", e)
	got := e.wait(t)
	assert.Equal(t, AnswerError, got.Kind)
}

func TestSelectAnswerPrefersPolicyThenClientPreference(t *testing.T) {
	r := New(Config{}, &fakeLookuper{}, 1, 2, nil)
	e := &CachedResolve{IPv4: net.ParseIP("1.1.1.1").To4(), IPv6: net.ParseIP("::1")}

	ip, ok := r.SelectAnswer(e, AllowAll{}, false)
	require.True(t, ok)
	assert.Equal(t, e.IPv4, ip)

	ip, ok = r.SelectAnswer(e, AllowAll{}, true)
	require.True(t, ok)
	assert.Equal(t, e.IPv6, ip)
}

type v4OnlyPolicy struct{ AllowAll }

func (v4OnlyPolicy) AllowsIPv6(net.IP) bool { return false }

func TestSelectAnswerHonorsExitPolicy(t *testing.T) {
	r := New(Config{}, &fakeLookuper{}, 1, 2, nil)
	e := &CachedResolve{IPv4: net.ParseIP("1.1.1.1").To4(), IPv6: net.ParseIP("::1")}
	ip, ok := r.SelectAnswer(e, v4OnlyPolicy{}, true)
	require.True(t, ok)
	assert.Equal(t, e.IPv4, ip)
}
