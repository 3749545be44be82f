// Package psearch runs persistent searches over the external changelog:
// a catch-up phase from a cookie or draft number followed by a live tail.
package psearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/ecl"
	"dirsync/internal/metrics"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
)

type State int32

const (
	StateCatchup State = iota + 1
	StateLive
	StateClosed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCatchup:
		return "catchup"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrCaughtUp is returned once, when the catch-up phase ends and the
	// session turns live.
	ErrCaughtUp = errors.New("psearch: caught up")
	ErrClosed   = errors.New("psearch: session closed")
)

type Options struct {
	Cookie string
	// ChangesOnly skips everything committed before the session opened.
	ChangesOnly bool
	// FromDraft, when positive, reads in draft change number order.
	FromDraft  int64
	Filter     string
	Attributes []string
	// PollInterval re-checks eligibility while live, since it also moves
	// with the wall clock.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Result struct {
	Entry      ecl.Entry
	Attributes map[string]string
}

type cursor interface {
	Next(ctx context.Context) (ecl.Entry, bool, error)
	Cookie() string
}

type Session struct {
	id       uuid.UUID
	listener *ecl.Listener
	cur      cursor
	filter   *vm.Program
	attrs    []string
	poll     time.Duration
	logger   *slog.Logger

	state     atomic.Int32
	cancelled chan struct{}
	once      sync.Once
	mu        sync.Mutex
	cause     error
}

// Open registers with the aggregator before taking its start position, so
// nothing committed afterwards can be missed.
func Open(ctx context.Context, agg *ecl.Aggregator, opts Options) (*Session, error) {
	filter, err := CompileFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l, err := agg.Listen()
	if err != nil {
		return nil, err
	}
	var cur cursor
	switch {
	case opts.FromDraft > 0:
		cur, err = agg.OpenDraft(ctx, ecl.From(opts.FromDraft))
	case opts.ChangesOnly:
		cur, err = agg.OpenState(ctx, agg.LastCookie())
	default:
		cur, err = agg.Open(ctx, opts.Cookie)
	}
	if err != nil {
		l.Close()
		return nil, err
	}

	s := &Session{
		id:        id,
		listener:  l,
		cur:       cur,
		filter:    filter,
		attrs:     opts.Attributes,
		poll:      opts.PollInterval,
		logger:    opts.Logger.With("session", id.String()),
		cancelled: make(chan struct{}),
	}
	s.state.Store(int32(StateCatchup))
	metrics.LiveTailSessions.Inc()
	s.logger.Info("persistent search opened", "changes_only", opts.ChangesOnly, "from_draft", opts.FromDraft)
	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Cookie is the position after the last record read, filtered or not.
func (s *Session) Cookie() string { return s.cur.Cookie() }

// Next returns the next matching record. During catch-up it never blocks
// and returns ErrCaughtUp once the snapshot is exhausted; in the live phase
// it waits for new eligible records.
func (s *Session) Next(ctx context.Context) (Result, error) {
	for {
		switch s.State() {
		case StateClosed:
			return Result{}, ErrClosed
		case StateCancelled:
			return Result{}, s.err()
		}
		select {
		case <-s.listener.Done():
			return Result{}, s.listenerGone()
		default:
		}

		e, ok, err := s.cur.Next(ctx)
		if err != nil {
			var resync *ecl.ResyncError
			if errors.As(err, &resync) {
				s.Cancel(err)
			}
			return Result{}, err
		}
		if ok {
			matched, err := match(s.filter, e)
			if err != nil {
				return Result{}, err
			}
			if !matched {
				continue
			}
			return Result{Entry: e, Attributes: Project(e, s.attrs)}, nil
		}

		if s.state.CompareAndSwap(int32(StateCatchup), int32(StateLive)) {
			s.logger.Debug("persistent search live", "cookie", s.cur.Cookie())
			return Result{}, ErrCaughtUp
		}
		if err := s.wait(ctx); err != nil {
			return Result{}, err
		}
	}
}

func (s *Session) wait(ctx context.Context) error {
	t := time.NewTimer(s.poll)
	defer t.Stop()
	select {
	case <-s.listener.C():
		return nil
	case <-t.C:
		return nil
	case <-s.listener.Done():
		return s.listenerGone()
	case <-s.cancelled:
		if s.State() == StateClosed {
			return ErrClosed
		}
		return s.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) listenerGone() error {
	cause := s.listener.Err()
	if cause == nil {
		cause = ErrClosed
	}
	s.Cancel(cause)
	return s.err()
}

func (s *Session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Cancel ends the session with cause, which later calls to Next return.
func (s *Session) Cancel(cause error) {
	s.finish(StateCancelled, cause)
}

func (s *Session) Close() {
	s.finish(StateClosed, ErrClosed)
}

func (s *Session) finish(to State, cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		s.state.Store(int32(to))
		close(s.cancelled)
		s.listener.Close()
		metrics.LiveTailSessions.Dec()
		s.logger.Info("persistent search ended", "state", to.String(), "cause", cause)
	})
}
