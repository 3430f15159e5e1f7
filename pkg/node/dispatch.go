package node

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/client"
	"github.com/busybox42/kadns/pkg/dht"
)

// execute runs one command line. It returns false when the session should
// end. Blank lines are skipped.
func (n *Node) execute(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	switch cmd := client.Parse(line).(type) {
	case client.Put:
		n.put(cmd)
	case client.Get:
		n.get(cmd)
	case client.Exit:
		n.printf("Exiting...\n")
		return false
	case client.Unrecognized:
		n.log.WithField("reason", cmd.Reason).Debug("Unrecognized command")
		client.PrintUsage(n.out)
	}
	return true
}

func (n *Node) put(cmd client.Put) {
	self := n.id
	record := store.NewRecord([]byte(cmd.Key), []byte(cmd.Value), &self)
	n.store.Put(record)
	n.printf("Record stored locally for key: %s\n", cmd.Key)

	id := dht.NewQueryID()
	n.printf("Publishing record to DHT for key: %s (Query ID: %s)\n", cmd.Key, id)
	n.engine.PutRecord(id, record, n.quorum)
}

func (n *Node) get(cmd client.Get) {
	if record, ok := n.store.Get([]byte(cmd.Key)); ok {
		n.printf("Found record locally: %s => %s\n", cmd.Key, record.Value)
		return
	}
	n.printf("Record not found locally for key: %s\n", cmd.Key)

	id := dht.NewQueryID()
	n.printf("Querying DHT for key: %s (Query ID: %s)\n", cmd.Key, id)
	n.engine.FindValue(id, []byte(cmd.Key))
}

// onOutcome is the engine's completion callback.
func (n *Node) onOutcome(out dht.Outcome) {
	if n.metrics != nil {
		n.metrics.ObserveQuery(out.Kind.String(), out.Status.String(), out.Elapsed)
	}

	key := string(out.Key)
	switch out.Kind {
	case dht.KindStore:
		switch out.Status {
		case dht.StatusSucceeded:
			n.printf("Record published for key: %s (%d/%d acks)\n", key, out.Acks, out.Quorum)
		case dht.StatusTimedOut:
			n.printf("Publishing timed out for key: %s (%d/%d acks)\n", key, out.Acks, out.Quorum)
		default:
			n.printf("Record for key %s is stored locally only (%d/%d acks)\n", key, out.Acks, out.Quorum)
		}

	case dht.KindFindValue:
		switch out.Status {
		case dht.StatusSucceeded:
			record := *out.Record
			record.Key = out.Key
			n.store.Put(record)
			n.printf("Found record in DHT: %s => %s\n", key, out.Record.Value)
			if out.From != nil {
				n.log.WithField("from", out.From.String()).Debug("Value retrieved")
			}
		case dht.StatusTimedOut:
			n.printf("Query timed out for key: %s\n", key)
		default:
			n.printf("Record not found in DHT for key: %s\n", key)
		}

	case dht.KindFindNode:
		n.log.WithFields(logrus.Fields{
			"status":  out.Status,
			"closest": len(out.Closest),
			"known":   n.rt.Len(),
		}).Info("Node lookup finished")
		if out.Target == n.id {
			n.printf("Connected to %d peers\n", n.rt.Len())
		}
	}
}

func (n *Node) printf(format string, args ...interface{}) {
	fmt.Fprintf(n.out, format, args...)
}
