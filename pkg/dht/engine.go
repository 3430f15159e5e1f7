// pkg/dht/engine.go
package dht

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/types"
)

// Engine runs iterative queries against the routing table. It is driven from
// a single goroutine: start queries, feed it every RPCResult and call Expire
// periodically. Each started query produces exactly one Outcome through the
// completion callback.
type Engine struct {
	cfg        Config
	rt         *RoutingTable
	net        Network
	queries    map[string]*Query
	onComplete func(Outcome)
	log        *logrus.Entry

	// joinPending is set by Bootstrap until a seed answers.
	joinPending bool
}

func NewEngine(cfg Config, rt *RoutingTable, net Network, onComplete func(Outcome), log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if onComplete == nil {
		onComplete = func(Outcome) {}
	}
	return &Engine{
		cfg:        cfg,
		rt:         rt,
		net:        net,
		queries:    make(map[string]*Query),
		onComplete: onComplete,
		log:        log.WithField("component", "dht"),
	}
}

func (e *Engine) RoutingTable() *RoutingTable {
	return e.rt
}

// Active is the number of queries still in progress.
func (e *Engine) Active() int {
	return len(e.queries)
}

// NewQueryID returns a fresh identifier for FindNode, FindValue or PutRecord.
func NewQueryID() string {
	return uuid.NewString()
}

func (e *Engine) newQuery(id string, kind Kind, target types.NodeID) *Query {
	if id == "" {
		id = NewQueryID()
	}
	return newQuery(id, kind, target, e.cfg.K, e.cfg.Clock.Now(), e.cfg.QueryTimeout)
}

// FindNode starts a lookup for the k contacts closest to target. A query
// with no candidates completes before FindNode returns.
func (e *Engine) FindNode(id string, target types.NodeID) string {
	q := e.newQuery(id, KindFindNode, target)
	return e.start(q)
}

// FindValue starts a lookup for the record stored under key.
func (e *Engine) FindValue(id string, key []byte) string {
	q := e.newQuery(id, KindFindValue, types.KeyID(key))
	q.Key = append([]byte(nil), key...)
	return e.start(q)
}

// PutRecord replicates record to the k closest peers to its key. The query
// succeeds once quorum peers have acknowledged it.
func (e *Engine) PutRecord(id string, record store.Record, quorum int) string {
	q := e.newQuery(id, KindStore, types.KeyID(record.Key))
	q.Key = append([]byte(nil), record.Key...)
	q.Record = &record
	q.Quorum = ClampQuorum(quorum, e.cfg.K)
	return e.start(q)
}

func (e *Engine) start(q *Query) string {
	e.queries[q.ID] = q
	q.addCandidates(e.rt.Self(), e.rt.Closest(q.Target, e.cfg.K))

	e.log.WithFields(logrus.Fields{
		"query":      q.ID,
		"kind":       q.Kind,
		"target":     q.Target.Short(),
		"candidates": len(q.candidates),
	}).Debug("Starting query")

	e.advance(q)
	return q.ID
}

// Ping sends a liveness request to c. A response records the responder as
// seen; used for bootstrap and discovered peers whose id may be unknown.
func (e *Engine) Ping(c types.Contact) {
	e.net.Send(c, Request{Type: Ping})
}

// Seen records contact activity and starts a liveness probe when the
// contact's bucket is full.
func (e *Engine) Seen(c types.Contact) {
	probe, needProbe := e.rt.RecordSeen(c)
	if !needProbe {
		return
	}
	e.log.WithFields(logrus.Fields{
		"probe":    probe.ID.Short(),
		"newcomer": c.ID.Short(),
	}).Debug("Bucket full, probing least recently seen contact")
	e.net.Send(probe, Request{Type: Ping})
}

// HandleResult consumes the outcome of one outbound request. Results for
// queries that already finished are dropped.
func (e *Engine) HandleResult(res RPCResult) {
	ok := res.Err == nil && res.Response != nil
	if ok {
		responder := res.Response.Sender
		if responder.ID == (types.NodeID{}) {
			responder.ID = res.To.ID
		}
		responder.AddAddrs(res.To.Addrs...)
		responder.LastSeen = time.Time{}
		if responder.ID != (types.NodeID{}) {
			e.Seen(responder)
		}
	} else if res.To.ID != (types.NodeID{}) {
		e.log.WithFields(logrus.Fields{
			"peer":  res.To.ID.Short(),
			"type":  res.Request.Type,
			"error": res.Err,
		}).Debug("Request failed")
		if !e.rt.Probing(res.To.ID) {
			e.rt.RecordFailure(res.To.ID)
		}
	}

	if res.Request.Type == Ping {
		if e.rt.Probing(res.To.ID) {
			e.rt.ResolveProbe(res.To.ID, ok)
		}
		if ok && e.joinPending {
			e.joinPending = false
			e.FindNode("", e.rt.Self())
		}
	}

	if res.Request.QueryID == "" {
		return
	}
	q, found := e.queries[res.Request.QueryID]
	if !found || !q.awaiting(res.To.ID) {
		return
	}

	switch q.phase {
	case phaseLookup:
		e.handleLookupResult(q, res, ok)
	case phaseStore:
		q.storePending--
		if ok && res.Response.Stored {
			q.acks++
		}
		if q.acks >= q.Quorum {
			e.complete(q, q.outcome(StatusSucceeded, e.cfg.Clock.Now()))
		} else if q.storePending == 0 {
			e.complete(q, q.outcome(StatusUnderQuorum, e.cfg.Clock.Now()))
		}
	}
}

func (e *Engine) handleLookupResult(q *Query, res RPCResult, ok bool) {
	if !ok {
		q.markFailed(res.To.ID)
		e.advance(q)
		return
	}

	q.markResponded(res.To.ID, res.Response.Sender)

	if q.Kind == KindFindValue {
		if rec := res.Response.Record; rec != nil {
			if bytes.Equal(rec.Key, q.Key) {
				e.found(q, res, *rec)
				return
			}
			e.log.WithFields(logrus.Fields{
				"query": q.ID,
				"peer":  res.To.ID.Short(),
			}).Debug("Ignoring record stored under another key")
		}
		if c := q.candidate(res.To.ID); c != nil {
			c.lacked = true
		}
	}

	q.addCandidates(e.rt.Self(), res.Response.Contacts)
	e.advance(q)
}

// found finishes a FIND_VALUE and caches the value at the closest queried
// peer that did not have it.
func (e *Engine) found(q *Query, res RPCResult, record store.Record) {
	from := res.To
	from.AddAddrs(res.Response.Sender.Addrs...)

	if target, ok := q.cacheTarget(from.ID); ok {
		cached := record
		e.net.Send(target, Request{Type: Store, Target: q.Target, Key: q.Key, Record: &cached})
	}

	out := q.outcome(StatusSucceeded, e.cfg.Clock.Now())
	out.Record = &record
	out.From = &from
	e.complete(q, out)
}

// advance moves a lookup forward once the current round has drained: it
// evaluates the round, then either sends the next batch or finishes.
func (e *Engine) advance(q *Query) {
	if q.phase != phaseLookup || len(q.pending) > 0 {
		return
	}

	if q.rounds > 0 {
		q.endRound()
		if q.stale >= e.cfg.NoImprovementLimit {
			e.finishLookup(q)
			return
		}
	}

	q.roundBest = q.best()
	batch := q.nextBatch(e.cfg.Alpha)
	if len(batch) == 0 {
		e.finishLookup(q)
		return
	}
	q.rounds++

	for _, c := range batch {
		req := Request{QueryID: q.ID, Target: q.Target}
		switch q.Kind {
		case KindFindValue:
			req.Type = FindValue
			req.Key = q.Key
		default:
			req.Type = FindNode
		}
		e.net.Send(c, req)
	}
}

func (e *Engine) finishLookup(q *Query) {
	now := e.cfg.Clock.Now()
	switch q.Kind {
	case KindFindNode:
		out := q.outcome(StatusSucceeded, now)
		out.Closest = q.responded()
		e.complete(q, out)
	case KindFindValue:
		e.complete(q, q.outcome(StatusNotFound, now))
	case KindStore:
		targets := q.responded()
		if len(targets) == 0 {
			e.complete(q, q.outcome(StatusUnderQuorum, now))
			return
		}
		q.phase = phaseStore
		q.storePending = len(targets)
		for _, c := range targets {
			q.pending[c.ID] = struct{}{}
			e.net.Send(c, Request{QueryID: q.ID, Type: Store, Target: q.Target, Key: q.Key, Record: q.Record})
		}
	}
}

// Expire finalizes every query whose deadline has passed.
func (e *Engine) Expire(now time.Time) {
	var expired []*Query
	for _, q := range e.queries {
		if !now.Before(q.Deadline) {
			expired = append(expired, q)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Started.Equal(expired[j].Started) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].Started.Before(expired[j].Started)
	})

	for _, q := range expired {
		out := q.outcome(StatusTimedOut, now)
		if q.Kind == KindFindNode {
			out.Closest = q.responded()
		}
		e.complete(q, out)
	}
}

func (e *Engine) complete(q *Query, out Outcome) {
	delete(e.queries, q.ID)

	e.log.WithFields(logrus.Fields{
		"query":   q.ID,
		"kind":    q.Kind,
		"status":  out.Status,
		"rounds":  q.rounds,
		"acks":    out.Acks,
		"elapsed": out.Elapsed,
	}).Debug("Query finished")

	e.onComplete(out)
}

// Bootstrap pings the given seeds. The first seed to answer triggers a
// lookup of our own id, which fills the routing table with our neighbours.
func (e *Engine) Bootstrap(seeds []types.Contact) {
	if len(seeds) == 0 {
		return
	}
	e.joinPending = true
	for _, c := range seeds {
		e.Ping(c)
	}
}
