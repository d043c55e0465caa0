// Package hosttrack maintains short-lived IP-to-hostname bindings learned
// from DNS answers and TLS ClientHello SNI, used to attribute flows to
// hostnames for policy and metrics.
package hosttrack

import (
	"container/heap"
	"net/netip"
	"sync"
	"time"

	"tunnelcore/internal/packet"
)

const (
	// DefaultMaxBindings caps memory use; oldest-expiry entries are
	// evicted first once exceeded.
	DefaultMaxBindings = 4096
	// DefaultTTL is the lifetime of bindings learned from TLS SNI, which
	// carry no TTL of their own.
	DefaultTTL = 60 * time.Second
	// MinTTL is the floor enforced on every binding's lifetime.
	MinTTL = 1 * time.Second
)

type binding struct {
	host      string
	expiresAt time.Time
	heapIndex int
}

// Tracker is an IP -> hostname cache with per-entry TTL. Many concurrent
// lookups never block behind anything but the duration of a single map
// mutation performed by a writer.
type Tracker struct {
	mu      sync.RWMutex
	byAddr  map[netip.Addr]*binding
	expiry  expiryHeap
	maxSize int
	now     func() time.Time
}

// New returns a Tracker capped at maxBindings entries (DefaultMaxBindings
// when 0).
func New(maxBindings int) *Tracker {
	if maxBindings <= 0 {
		maxBindings = DefaultMaxBindings
	}
	return &Tracker{
		byAddr:  make(map[netip.Addr]*binding),
		maxSize: maxBindings,
		now:     time.Now,
	}
}

// Record inserts or overwrites bindings for each address. An empty host or
// empty address list is a no-op. A ttl below MinTTL, including zero, is
// raised to MinTTL.
func (t *Tracker) Record(host string, addrs []netip.Addr, ttl time.Duration, at time.Time) {
	if host == "" || len(addrs) == 0 {
		return
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	expires := at.Add(ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.purgeExpiredLocked(at)

	for _, addr := range addrs {
		if b, ok := t.byAddr[addr]; ok {
			b.host = host
			b.expiresAt = expires
			heap.Fix(&t.expiry, b.heapIndex)
			continue
		}
		b := &binding{host: host, expiresAt: expires}
		t.byAddr[addr] = b
		heap.Push(&t.expiry, &expiryEntry{addr: addr, b: b})
	}

	for len(t.byAddr) > t.maxSize {
		t.evictOldestLocked()
	}
}

// Lookup returns the bound host iff a non-expired binding exists for addr
// at the given instant.
func (t *Tracker) Lookup(addr netip.Addr, at time.Time) (string, bool) {
	t.mu.RLock()
	b, ok := t.byAddr[addr]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	if at.After(b.expiresAt) {
		return "", false
	}
	return b.host, true
}

// PurgeExpired removes expired entries as of the given instant.
func (t *Tracker) PurgeExpired(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeExpiredLocked(at)
}

func (t *Tracker) purgeExpiredLocked(at time.Time) {
	for t.expiry.Len() > 0 {
		top := t.expiry[0]
		if !at.After(top.b.expiresAt) {
			return
		}
		heap.Pop(&t.expiry)
		delete(t.byAddr, top.addr)
	}
}

func (t *Tracker) evictOldestLocked() {
	if t.expiry.Len() == 0 {
		return
	}
	e := heap.Pop(&t.expiry).(*expiryEntry)
	delete(t.byAddr, e.addr)
}

// IngestDNS records the A/AAAA answers carried by an already-parsed DNS
// response, whose CNAME chains the parser has already collapsed to the
// question name.
func (t *Tracker) IngestDNS(m *packet.Metadata, at time.Time) {
	if m == nil || len(m.DNSAnswers) == 0 {
		return
	}
	for _, ans := range m.DNSAnswers {
		t.Record(ans.Host, ans.Addrs, time.Duration(ans.TTLSeconds)*time.Second, at)
	}
}

// IngestTLS binds the TLS ClientHello SNI of an already-parsed packet, if
// it has one, to the packet's destination address — the remote IP of the
// handshake.
func (t *Tracker) IngestTLS(m *packet.Metadata, at time.Time) {
	if m == nil || !m.HasTLSSNI {
		return
	}
	t.Record(m.TLSSNI, []netip.Addr{m.DstAddr}, DefaultTTL, at)
}

// ---- eviction heap, ordered by earliest expiry ----

type expiryEntry struct {
	addr netip.Addr
	b    *binding
}

type expiryHeap []*expiryEntry

func (h expiryHeap) Len() int { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].b.expiresAt.Before(h[j].b.expiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].b.heapIndex = i
	h[j].b.heapIndex = j
}
func (h *expiryHeap) Push(x any) {
	e := x.(*expiryEntry)
	e.b.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
