// internal/store/local.go
package store

import (
	"time"

	"github.com/busybox42/kadns/pkg/types"
)

// Record is an immutable key/value pair. A newer Record for the same key
// replaces the old one.
type Record struct {
	Key        []byte
	Value      []byte
	Publisher  *types.NodeID
	InsertedAt time.Time
}

// NewRecord copies key and value so callers may reuse their buffers.
func NewRecord(key, value []byte, publisher *types.NodeID) Record {
	return Record{
		Key:        append([]byte(nil), key...),
		Value:      append([]byte(nil), value...),
		Publisher:  publisher,
		InsertedAt: time.Now(),
	}
}

// Local is the node's in-memory record store. Records live until the process
// exits. Local is not safe for concurrent use; the event loop owns it.
type Local struct {
	data map[string]Record
}

func NewLocal() *Local {
	return &Local{
		data: make(map[string]Record),
	}
}

// Put inserts or replaces the record stored under record.Key.
func (s *Local) Put(record Record) {
	if record.InsertedAt.IsZero() {
		record.InsertedAt = time.Now()
	}
	s.data[string(record.Key)] = record
}

// Get returns the record for key. A miss is reported through ok, not an error.
func (s *Local) Get(key []byte) (record Record, ok bool) {
	record, ok = s.data[string(key)]
	return record, ok
}

func (s *Local) Len() int {
	return len(s.data)
}
