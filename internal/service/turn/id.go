package turn

import (
	"fmt"
	"sync/atomic"
)

// IDGenerator allocates turn identities. The counter is shared by every
// session using the generator.
type IDGenerator struct {
	counter uint64
}

// NewIDGenerator returns a generator starting at turn 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns "<sessionID>-turn-<n>".
func (g *IDGenerator) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-turn-%d", sessionID, n)
}
