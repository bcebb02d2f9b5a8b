package coordinator

import (
	"context"
	"sync"
)

// agentLocks serializes task execution per agent: two tasks for the same
// agent never hold the lock concurrently. Entries are dropped once no holder
// or waiter remains, so the map does not grow with agent churn.
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*agentLock
}

type agentLock struct {
	// token carries the single permit; it is present when the lock is free.
	token   chan struct{}
	waiters int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{locks: make(map[string]*agentLock)}
}

// acquire blocks until the agent's lock is held or ctx is done. The returned
// release function must be called exactly once.
func (g *agentLocks) acquire(ctx context.Context, agentID string) (release func(), err error) {
	g.mu.Lock()
	l, ok := g.locks[agentID]
	if !ok {
		l = &agentLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		g.locks[agentID] = l
	}
	l.waiters++
	g.mu.Unlock()

	select {
	case <-l.token:
	case <-ctx.Done():
		g.leave(agentID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.token <- struct{}{}
			g.leave(agentID, l)
		})
	}, nil
}

// leave decrements the waiter count and drops the map entry when the lock is
// no longer referenced.
func (g *agentLocks) leave(agentID string, l *agentLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.waiters--
	if l.waiters == 0 && g.locks[agentID] == l {
		delete(g.locks, agentID)
	}
}
