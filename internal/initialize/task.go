package initialize

import (
	"context"
	"log/slog"
	"sync"

	"dirsync/internal/broker"
	"dirsync/internal/domain"
)

// Task is one bulk initialization, seen from the source (export) or the
// target (import).
type Task struct {
	ID     string
	Domain string
	Role   Role

	session *broker.Session
	log     *slog.Logger

	// op serializes the import steps with the session watcher.
	op sync.Mutex

	mu         sync.Mutex
	state      State
	total      uint64
	received   uint64
	generation domain.GenerationID
	err        error
	done       chan struct{}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) setTotal(total uint64, gen domain.GenerationID) {
	t.mu.Lock()
	t.total, t.generation = total, gen
	t.mu.Unlock()
}

// Total is the announced entry count and the generation being installed.
func (t *Task) Total() (uint64, domain.GenerationID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.generation
}

// Received counts entries sent (export) or imported (import) so far.
func (t *Task) Received() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}

func (t *Task) advance(seq uint64) {
	t.mu.Lock()
	t.received = seq
	t.mu.Unlock()
}

// Err is the failure that ended the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task ends and returns its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// end moves the task to its terminal state; it reports false when the task
// had already ended.
func (t *Task) end(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDone || t.state == StateError {
		return false
	}
	t.err = err
	t.state = StateDone
	if err != nil {
		t.state = StateError
	}
	close(t.done)
	return true
}
