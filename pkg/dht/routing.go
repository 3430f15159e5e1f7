// pkg/dht/routing.go
package dht

import (
	"sort"
	"time"

	"github.com/busybox42/kadns/pkg/types"
)

type entry struct {
	contact  types.Contact
	failures int
}

// Bucket holds up to k contacts ordered from least to most recently seen.
// While the least recently seen entry is being probed the newest contact
// waiting for a slot is parked in pending.
type Bucket struct {
	entries []*entry
	pending *types.Contact
	probing *types.NodeID
}

func (b *Bucket) indexOf(id types.NodeID) int {
	for i, e := range b.entries {
		if e.contact.ID == id {
			return i
		}
	}
	return -1
}

func (b *Bucket) moveToBack(i int) {
	e := b.entries[i]
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = e
}

func (b *Bucket) removeAt(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// failedIndex returns the entry with the most failures, or -1 if every entry
// is healthy.
func (b *Bucket) failedIndex() int {
	worst, idx := 0, -1
	for i, e := range b.entries {
		if e.failures > worst {
			worst, idx = e.failures, i
		}
	}
	return idx
}

func (b *Bucket) contacts() []types.Contact {
	out := make([]types.Contact, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.contact
	}
	return out
}

// RoutingTable organizes known contacts into types.IDBits buckets by the
// length of the prefix they share with the local identifier. It is not safe
// for concurrent use.
type RoutingTable struct {
	self    types.NodeID
	k       int
	now     func() time.Time
	buckets [types.IDBits]Bucket
}

func NewRoutingTable(self types.NodeID, k int) *RoutingTable {
	return &RoutingTable{
		self: self,
		k:    k,
		now:  time.Now,
	}
}

func (rt *RoutingTable) Self() types.NodeID {
	return rt.self
}

func (rt *RoutingTable) bucketIndex(id types.NodeID) int {
	idx := types.Xor(rt.self, id).LeadingZeros()
	if idx >= types.IDBits {
		idx = types.IDBits - 1
	}
	return idx
}

// RecordSeen notes that c just communicated with us. A known contact is
// refreshed and moved to the tail of its bucket. A new contact is appended if
// its bucket has room, or replaces an entry with recorded failures. Such an
// entry is evicted without a ping: its failed request already counts as a
// missed probe. When the bucket is full of healthy entries the newcomer is
// parked and the least recently seen entry is returned for a liveness probe;
// the caller reports the probe outcome through ResolveProbe.
func (rt *RoutingTable) RecordSeen(c types.Contact) (probe types.Contact, needProbe bool) {
	if c.ID == rt.self {
		return types.Contact{}, false
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = rt.now()
	}

	b := &rt.buckets[rt.bucketIndex(c.ID)]
	if i := b.indexOf(c.ID); i >= 0 {
		e := b.entries[i]
		e.contact.AddAddrs(c.Addrs...)
		e.contact.LastSeen = c.LastSeen
		e.failures = 0
		b.moveToBack(i)
		return types.Contact{}, false
	}

	if len(b.entries) < rt.k {
		b.entries = append(b.entries, &entry{contact: c})
		return types.Contact{}, false
	}

	if i := b.failedIndex(); i >= 0 {
		b.removeAt(i)
		b.entries = append(b.entries, &entry{contact: c})
		return types.Contact{}, false
	}

	if b.pending != nil && b.pending.ID == c.ID {
		b.pending.AddAddrs(c.Addrs...)
		b.pending.LastSeen = c.LastSeen
	} else {
		parked := c
		b.pending = &parked
	}
	if b.probing != nil {
		return types.Contact{}, false
	}

	oldest := b.entries[0].contact
	b.probing = &oldest.ID
	return oldest, true
}

// ResolveProbe completes a liveness probe started by RecordSeen. A live entry
// keeps its slot and the parked newcomer is discarded; a dead entry is
// evicted and the newcomer takes its place.
func (rt *RoutingTable) ResolveProbe(id types.NodeID, alive bool) {
	b := &rt.buckets[rt.bucketIndex(id)]
	if b.probing == nil || *b.probing != id {
		return
	}
	b.probing = nil
	pending := b.pending
	b.pending = nil

	i := b.indexOf(id)
	if alive {
		if i >= 0 {
			b.entries[i].contact.LastSeen = rt.now()
			b.entries[i].failures = 0
			b.moveToBack(i)
		}
		return
	}

	if i >= 0 {
		b.removeAt(i)
	}
	if pending != nil && len(b.entries) < rt.k && b.indexOf(pending.ID) < 0 {
		b.entries = append(b.entries, &entry{contact: *pending})
	}
}

// Probing reports whether id is the subject of an outstanding probe.
func (rt *RoutingTable) Probing(id types.NodeID) bool {
	b := &rt.buckets[rt.bucketIndex(id)]
	return b.probing != nil && *b.probing == id
}

// RecordFailure counts a failed request to id. Contacts that keep failing are
// dropped; others become the first candidates for eviction.
func (rt *RoutingTable) RecordFailure(id types.NodeID) {
	b := &rt.buckets[rt.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	b.entries[i].failures++
	if b.entries[i].failures >= maxFailures && !rt.Probing(id) {
		b.removeAt(i)
	}
}

func (rt *RoutingTable) Len() int {
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].entries)
	}
	return n
}

// Contacts returns every contact in bucket order.
func (rt *RoutingTable) Contacts() []types.Contact {
	out := make([]types.Contact, 0, rt.Len())
	for i := range rt.buckets {
		out = append(out, rt.buckets[i].contacts()...)
	}
	return out
}

// Closest returns up to count contacts ordered by XOR distance to target.
func (rt *RoutingTable) Closest(target types.NodeID, count int) []types.Contact {
	if count <= 0 {
		return nil
	}
	all := rt.Contacts()
	sort.SliceStable(all, func(i, j int) bool {
		return types.CloserTo(target, all[i].ID, all[j].ID)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}
