package ingest

import "sync"

// gate serializes a book write against chapter writes for the same book.
// Chapters share the gate so they proceed in parallel; a book holds it
// exclusively from its insert until its buffered chapters are replayed.
type gate struct {
	mu    sync.Mutex
	locks map[string]*gateEntry
}

type gateEntry struct {
	rw   sync.RWMutex
	refs int
}

func newGate() *gate {
	return &gate{locks: make(map[string]*gateEntry)}
}

func (g *gate) acquire(key string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.locks[key]
	if !ok {
		e = &gateEntry{}
		g.locks[key] = e
	}
	e.refs++
	return e
}

func (g *gate) release(key string, e *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.locks, key)
	}
}

// Lock takes key exclusively and returns the matching unlock.
func (g *gate) Lock(key string) func() {
	e := g.acquire(key)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		g.release(key, e)
	}
}

// RLock takes key shared and returns the matching unlock.
func (g *gate) RLock(key string) func() {
	e := g.acquire(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		g.release(key, e)
	}
}
