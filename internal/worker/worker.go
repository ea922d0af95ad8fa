// Package worker adapts spec.md §5's cooperative reactor model to Go's
// scheduler: instead of a fixed pool of single-threaded event loops each
// multiplexing many sessions, every session gets its own goroutine (the
// degenerate, one-session case of that reactor, and the idiomatic Go
// shape for blocking-call-heavy connection handling). What survives
// unchanged from §5 is the *ownership* invariant: each session is
// permanently bound to one worker index for its lifetime, and that
// worker's per-target connection pools are never touched by another
// worker. Pool sets a fixed worker count and deals out that binding;
// BuildGraphs gives each worker its own router.Graph, wired with its
// own backend.Pool per server, so two sessions on different workers
// never contend on the same pool mutex.
package worker

import (
	"fmt"
	"time"

	"github.com/mxgateway/mxgateway/internal/backend"
	"github.com/mxgateway/mxgateway/internal/config"
	"github.com/mxgateway/mxgateway/internal/router"
)

// Pool is a fixed-size set of routing workers, identified by index.
// There is no worker type to construct; the index is the worker.
type Pool struct {
	count int
}

// NewPool returns a Pool with count workers. count is clamped to at
// least 1.
func NewPool(count int) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{count: count}
}

// Count returns the number of workers in the pool.
func (p *Pool) Count() int { return p.count }

// Assign returns the worker index sessionID is bound to. The mapping is
// a pure function of sessionID, so it is stable for the life of the
// session without needing to record it anywhere (spec.md §5 "A session
// is permanently bound to one routing worker except for explicit move
// operations"). Move operations are not implemented: under a
// goroutine-per-session model there is no OS thread to rebalance away
// from, so the case that motivates a move in the original design does
// not arise here.
func (p *Pool) Assign(sessionID uint32) int {
	return int(sessionID % uint32(p.count))
}

// BuildGraphs constructs one router.Graph per worker in pool, each with
// its own backend.Pool per configured server, so that per-target
// pooling is never shared across workers (spec.md §5 "Shared
// resources": "the per-worker connection pool is never accessed by
// other workers").
func BuildGraphs(pool *Pool, servers []config.Server, poolMaxSize int, poolMaxAge time.Duration) ([]*router.Graph, error) {
	graphs := make([]*router.Graph, pool.Count())
	for i := 0; i < pool.Count(); i++ {
		g := router.NewGraph()
		for _, s := range servers {
			bp := backend.NewPool(poolMaxSize, poolMaxAge)
			if err := g.AddTarget(router.NewServer(s.Name, s.Addr, s.Rank, bp)); err != nil {
				return nil, fmt.Errorf("worker %d: %w", i, err)
			}
		}
		graphs[i] = g
	}
	return graphs, nil
}
