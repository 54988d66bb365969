package common

import (
	"errors"
	"sync"

	"curvance/core/events"
)

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard is a scoped flag: Enter sets it and returns the release
// function, nested Enter calls fail until release runs.
type ReentrancyGuard struct {
	mu      sync.Mutex
	entered bool
}

// Enter acquires the guard. Callers must defer the returned release.
func (g *ReentrancyGuard) Enter() (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entered {
		return nil, ErrReentrantCall
	}
	g.entered = true
	return func() {
		g.mu.Lock()
		g.entered = false
		g.mu.Unlock()
	}, nil
}

// Journal is the snapshot surface of the state manager.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

type truncatable interface {
	Len() int
	Truncate(n int)
}

// Atomic runs fn and, when it fails, reverts state writes and drops the events
// emitted since entry.
func Atomic(journal Journal, emitter events.Emitter, fn func() error) error {
	snap := -1
	if journal != nil {
		snap = journal.Snapshot()
	}
	mark := -1
	buf, ok := emitter.(truncatable)
	if ok {
		mark = buf.Len()
	}
	if err := fn(); err != nil {
		if journal != nil {
			journal.RevertToSnapshot(snap)
		}
		if ok {
			buf.Truncate(mark)
		}
		return err
	}
	return nil
}
