// pkg/dht/dht.go
package dht

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// K is the replication parameter: bucket capacity and lookup width.
	K = 20
	// ALPHA is the number of requests a lookup round sends in parallel.
	ALPHA = 3
	// NoImprovementLimit is the number of consecutive rounds without a closer
	// contact after which a lookup stops.
	NoImprovementLimit = 3
	// QueryTimeout bounds the lifetime of every query.
	QueryTimeout = 10 * time.Second
	// maxFailures is the number of consecutive request failures after which a
	// contact is dropped from the routing table.
	maxFailures = 3
)

// Config tunes the query engine and routing table.
type Config struct {
	K                  int
	Alpha              int
	NoImprovementLimit int
	QueryTimeout       time.Duration
	Clock              clock.Clock
}

func DefaultConfig() Config {
	return Config{
		K:                  K,
		Alpha:              ALPHA,
		NoImprovementLimit: NoImprovementLimit,
		QueryTimeout:       QueryTimeout,
		Clock:              clock.New(),
	}
}

func (c *Config) Validate() error {
	if c.K <= 0 {
		return fmt.Errorf("dht: k must be positive, got %d", c.K)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("dht: alpha must be positive, got %d", c.Alpha)
	}
	if c.NoImprovementLimit <= 0 {
		return fmt.Errorf("dht: no-improvement limit must be positive, got %d", c.NoImprovementLimit)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("dht: query timeout must be positive, got %s", c.QueryTimeout)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// ClampQuorum bounds a requested acknowledgment count to [1, k].
func ClampQuorum(quorum, k int) int {
	if quorum < 1 {
		return 1
	}
	if quorum > k {
		return k
	}
	return quorum
}
