// Package storage provides the stock Storage backends: Memory for
// tests and simulations, Wal for durable single-directory deployments.
// Both persist the whole state image per write.
package storage

import (
	"context"
	"sync"

	"github.com/thinkermao/raftcore/raft/raftpd"
)

// Memory keeps the latest persisted image in memory. It survives a
// simulated member crash (the harness keeps the Memory and hands its
// image to the restarted member) and supports fault injection.
type Memory[S, C any] struct {
	mutex      sync.Mutex
	cloneState func(S) S

	image    *raftpd.PersistentState[S, C]
	writes   int
	failWith error
}

// NewMemory build an empty in-memory backend. cloneState duplicates the
// snapshot state when images are copied in and out.
func NewMemory[S, C any](cloneState func(S) S) *Memory[S, C] {
	return &Memory[S, C]{cloneState: cloneState}
}

// Write store a copy of the image. It fails immediately when a failure
// has been injected or the context is already cancelled.
func (m *Memory[S, C]) Write(
	ctx context.Context, state *raftpd.PersistentState[S, C]) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failWith != nil {
		return m.failWith
	}

	image := state.Clone(m.cloneState)
	m.image = &image
	m.writes++
	return nil
}

// Image return a copy of the latest persisted image, or false when
// nothing has been written yet. A restarted member is built from it.
func (m *Memory[S, C]) Image() (raftpd.PersistentState[S, C], bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.image == nil {
		return raftpd.PersistentState[S, C]{}, false
	}
	return m.image.Clone(m.cloneState), true
}

// Writes return how many images have been persisted.
func (m *Memory[S, C]) Writes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.writes
}

// FailWith make every later Write return err; nil clears the fault.
func (m *Memory[S, C]) FailWith(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failWith = err
}
