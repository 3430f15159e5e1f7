// pkg/dht/query.go
package dht

import (
	"sort"
	"time"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/types"
)

// Kind is the operation a query performs.
type Kind uint8

const (
	KindFindNode Kind = iota
	KindFindValue
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindFindNode:
		return "find_node"
	case KindFindValue:
		return "find_value"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Status is how a query ended.
type Status uint8

const (
	StatusSucceeded Status = iota
	StatusNotFound
	StatusUnderQuorum
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusNotFound:
		return "not_found"
	case StatusUnderQuorum:
		return "under_quorum"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is delivered exactly once for every query the engine starts.
type Outcome struct {
	QueryID string
	Kind    Kind
	Key     []byte
	Target  types.NodeID
	Status  Status

	// Record is the value found by a FIND_VALUE, or the record a STORE
	// replicated. From is the peer that returned a found value.
	Record *store.Record
	From   *types.Contact

	// Closest is the final closest set of a FIND_NODE.
	Closest []types.Contact

	Acks    int
	Quorum  int
	Elapsed time.Duration
}

// Err maps a non-successful status onto its sentinel error.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusSucceeded:
		return nil
	case StatusNotFound:
		return ErrNotFound
	case StatusUnderQuorum:
		return ErrUnderQuorum
	case StatusTimedOut:
		return ErrQueryTimeout
	default:
		return nil
	}
}

type candidateState uint8

const (
	stateFresh candidateState = iota
	stateWaiting
	stateResponded
)

type candidate struct {
	contact types.Contact
	dist    types.Distance
	state   candidateState
	// lacked is set when the candidate answered a FIND_VALUE without the value.
	lacked bool
}

type queryPhase uint8

const (
	phaseLookup queryPhase = iota
	phaseStore
)

// Query is the state of one iterative lookup. It is driven by the Engine and
// never touched concurrently.
type Query struct {
	ID       string
	Kind     Kind
	Target   types.NodeID
	Key      []byte
	Record   *store.Record
	Quorum   int
	Started  time.Time
	Deadline time.Time

	k          int
	phase      queryPhase
	candidates []*candidate
	seen       map[types.NodeID]struct{}
	pending    map[types.NodeID]struct{}

	rounds    int
	roundBest *types.Distance
	stale     int

	acks         int
	storePending int
}

func newQuery(id string, kind Kind, target types.NodeID, k int, started time.Time, timeout time.Duration) *Query {
	return &Query{
		ID:       id,
		Kind:     kind,
		Target:   target,
		Started:  started,
		Deadline: started.Add(timeout),
		k:        k,
		seen:     make(map[types.NodeID]struct{}),
		pending:  make(map[types.NodeID]struct{}),
	}
}

// addCandidates merges contacts into the closest set, skipping self and
// anything seen before, and keeps only the k closest.
func (q *Query) addCandidates(self types.NodeID, contacts []types.Contact) {
	added := false
	for _, c := range contacts {
		if c.ID == self {
			continue
		}
		if _, ok := q.seen[c.ID]; ok {
			continue
		}
		q.seen[c.ID] = struct{}{}
		q.candidates = append(q.candidates, &candidate{
			contact: c,
			dist:    types.Xor(c.ID, q.Target),
		})
		added = true
	}
	if !added {
		return
	}

	sort.SliceStable(q.candidates, func(i, j int) bool {
		return q.candidates[i].dist.Less(q.candidates[j].dist)
	})
	if len(q.candidates) > q.k {
		// Never drop a candidate with a request in flight.
		kept := q.candidates[:q.k]
		for _, c := range q.candidates[q.k:] {
			if c.state == stateWaiting {
				kept = append(kept, c)
			}
		}
		q.candidates = kept
	}
}

func (q *Query) candidate(id types.NodeID) *candidate {
	for _, c := range q.candidates {
		if c.contact.ID == id {
			return c
		}
	}
	return nil
}

// best is the distance of the closest live candidate.
func (q *Query) best() *types.Distance {
	if len(q.candidates) == 0 {
		return nil
	}
	d := q.candidates[0].dist
	return &d
}

// nextBatch marks up to alpha of the closest unqueried candidates as waiting
// and returns them.
func (q *Query) nextBatch(alpha int) []types.Contact {
	var batch []types.Contact
	for _, c := range q.candidates {
		if len(batch) >= alpha {
			break
		}
		if c.state != stateFresh {
			continue
		}
		c.state = stateWaiting
		q.pending[c.contact.ID] = struct{}{}
		batch = append(batch, c.contact)
	}
	return batch
}

// awaiting reports whether a response from id is still expected, and clears
// the expectation.
func (q *Query) awaiting(id types.NodeID) bool {
	if _, ok := q.pending[id]; !ok {
		return false
	}
	delete(q.pending, id)
	return true
}

func (q *Query) markResponded(id types.NodeID, from types.Contact) {
	if c := q.candidate(id); c != nil {
		c.state = stateResponded
		c.contact.AddAddrs(from.Addrs...)
	}
}

// markFailed removes an unresponsive candidate. It stays in seen so it is not
// re-added by later responses.
func (q *Query) markFailed(id types.NodeID) {
	for i, c := range q.candidates {
		if c.contact.ID == id {
			q.candidates = append(q.candidates[:i], q.candidates[i+1:]...)
			return
		}
	}
}

// endRound records whether the round that just finished produced a closer
// contact than the best known when it started.
func (q *Query) endRound() {
	best := q.best()
	improved := best != nil && (q.roundBest == nil || best.Less(*q.roundBest))
	if improved {
		q.stale = 0
	} else {
		q.stale++
	}
}

// responded returns the candidates that answered, closest first.
func (q *Query) responded() []types.Contact {
	var out []types.Contact
	for _, c := range q.candidates {
		if c.state == stateResponded {
			out = append(out, c.contact)
		}
	}
	if len(out) > q.k {
		out = out[:q.k]
	}
	return out
}

// cacheTarget is the closest responder that did not have the value.
func (q *Query) cacheTarget(exclude types.NodeID) (types.Contact, bool) {
	for _, c := range q.candidates {
		if c.state == stateResponded && c.lacked && c.contact.ID != exclude {
			return c.contact, true
		}
	}
	return types.Contact{}, false
}

func (q *Query) outcome(status Status, now time.Time) Outcome {
	return Outcome{
		QueryID: q.ID,
		Kind:    q.Kind,
		Key:     q.Key,
		Target:  q.Target,
		Status:  status,
		Record:  q.Record,
		Acks:    q.acks,
		Quorum:  q.Quorum,
		Elapsed: now.Sub(q.Started),
	}
}
