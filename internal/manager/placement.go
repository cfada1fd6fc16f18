package manager

import (
	"math/rand"
	"sync"
)

// Policy selects one of n placement candidates. Implementations must be
// safe for concurrent use.
type Policy interface {
	Pick(n int) int
}

// Random places uniformly at random, the default policy.
type Random struct{}

func (Random) Pick(n int) int {
	return rand.Intn(n)
}

// RoundRobin cycles through candidates in order.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Pick(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next % n
	r.next++
	return i
}
