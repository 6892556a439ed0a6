// Package gate provides the TransferGate shared by the transfer injector and
// the consistency checker.
//
// The injector passes through the gate before starting each shard transfer:
// it acquires and immediately releases, so it blocks only while somebody else
// holds the gate. The checker holds the gate for the whole retry loop once it
// has observed an inconsistency, which stops new transfers from starting while
// the cluster is given time to converge. Transfers already in flight are not
// affected.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a context-aware mutual exclusion primitive. The zero value is not
// usable; create gates with New.
type Gate struct {
	slot  chan struct{}
	holds atomic.Uint64
}

// New creates an open gate.
func New() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

func (g *Gate) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case g.slot <- struct{}{}:
		return nil
	}
}

func (g *Gate) release() {
	<-g.slot
}

// Pass blocks until the gate is free, then lets the caller through without
// keeping it.
func (g *Gate) Pass(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	g.release()
	return nil
}

// Hold acquires the gate and keeps it until the returned Hold is released.
func (g *Gate) Hold(ctx context.Context) (*Hold, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	g.holds.Add(1)
	return &Hold{gate: g}, nil
}

// Held reports whether the gate is currently taken. Only meant for status output.
func (g *Gate) Held() bool {
	return len(g.slot) == 1
}

// Holds returns how many times the gate has been held.
func (g *Gate) Holds() uint64 {
	return g.holds.Load()
}

// Hold is a long-lived acquisition of a Gate.
type Hold struct {
	gate *Gate
	once sync.Once
}

// Release frees the gate. Calling Release more than once, or on a nil Hold, is a no-op.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	h.once.Do(h.gate.release)
}
