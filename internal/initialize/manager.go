// Package initialize runs bulk initialization: a full copy of a domain's
// dataset pushed from a source replica to a target over a broker session.
package initialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dirsync/internal/broker"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"

	"github.com/google/uuid"
)

var (
	ErrSimultaneousImportExport = errors.New("initialize: simultaneous import/export rejected")
	ErrCountMismatch            = errors.New("initialize: entry count mismatch")
	ErrOutOfSequence            = errors.New("initialize: entry out of sequence")
	ErrNotConfigured            = errors.New("initialize: no dataset configured")
)

type State int32

const (
	StateIdle State = iota
	StateRequested
	StateTransferring
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Role string

const (
	RoleImport Role = "import"
	RoleExport Role = "export"
)

// Importer receives a full copy of a domain on the target. Entries of an
// import are only visible after Commit.
type Importer interface {
	Begin(ctx context.Context, domain string, total uint64) error
	Import(ctx context.Context, domain string, seq uint64, data []byte) error
	Commit(ctx context.Context, domain string) error
	Abort(ctx context.Context, domain string) error
}

// Exporter reads a domain's dataset on the source.
type Exporter interface {
	Count(ctx context.Context, domain string) (uint64, error)
	Export(ctx context.Context, domain string, emit func(data []byte) error) error
}

type Options struct {
	Importer Importer
	Exporter Exporter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager owns every initialization task of the process, at most one per
// domain whatever its role.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	byDomain map[string]*Task
	byID     map[string]*Task
}

var _ broker.InitHandler = (*Manager)(nil)

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		byDomain: map[string]*Task{},
		byID:     map[string]*Task{},
	}
}

// Active returns the running task for a domain, if any.
func (m *Manager) Active(domainName string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byDomain[domainName]
	return t, ok
}

func (m *Manager) begin(id, domainName string, role Role, s *broker.Session) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byDomain[domainName]; ok {
		return nil, fmt.Errorf("%w: %s task %s running on %s", ErrSimultaneousImportExport, cur.Role, cur.ID, domainName)
	}
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = u.String()
	}
	t := &Task{
		ID:      id,
		Domain:  domainName,
		Role:    role,
		session: s,
		done:    make(chan struct{}),
		log:     m.log.With("task", id, "domain", domainName, "role", string(role)),
	}
	m.byDomain[domainName] = t
	m.byID[id] = t
	t.log.Info("initialization task started", "peer", uint16(s.Peer().Replica))
	if role == RoleImport {
		go m.watchImport(t)
	}
	return t, nil
}

// watchImport fails an import whose session ends before the copy is
// committed, dropping whatever was staged.
func (m *Manager) watchImport(t *Task) {
	select {
	case <-t.done:
		return
	case <-t.session.Done():
	}
	t.op.Lock()
	defer t.op.Unlock()
	if t.ended() {
		return
	}
	m.abortImport(context.Background(), t)
	err := t.session.Err()
	if err == nil {
		err = broker.ErrSessionClosed
	}
	m.finish(t, fmt.Errorf("session lost during import: %w", err))
}

// importTask returns the running task with id and holds its op lock; the
// caller must call the returned unlock.
func (m *Manager) importTask(id string) (*Task, func(), bool) {
	t, ok := m.task(id)
	if !ok {
		return nil, nil, false
	}
	t.op.Lock()
	if t.ended() {
		t.op.Unlock()
		return nil, nil, false
	}
	return t, t.op.Unlock, true
}

func (m *Manager) task(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	return t, ok
}

// finish ends t once; later calls are ignored.
func (m *Manager) finish(t *Task, err error) {
	if !t.end(err) {
		return
	}
	m.mu.Lock()
	delete(m.byDomain, t.Domain)
	delete(m.byID, t.ID)
	m.mu.Unlock()
	outcome := "done"
	if err != nil {
		outcome = "error"
		t.log.Warn("initialization task failed", "err", err)
	} else {
		t.log.Info("initialization task completed", "entries", t.Received())
	}
	metrics.InitTasks.WithLabelValues(string(t.Role), outcome).Inc()
}

// RequestImport asks the session's peer for a full copy of the session's
// domain. The returned task completes when the copy is committed.
func (m *Manager) RequestImport(ctx context.Context, s *broker.Session) (*Task, error) {
	if m.opts.Importer == nil {
		return nil, ErrNotConfigured
	}
	t, err := m.begin("", s.Domain().Name(), RoleImport, s)
	if err != nil {
		return nil, err
	}
	t.setState(StateRequested)
	if err := s.Send(ctx, broker.InitializeRequest{TaskID: t.ID, Requester: s.Replica()}); err != nil {
		m.finish(t, err)
		return nil, err
	}
	return t, nil
}

// Push sends a full copy of the session's domain to the peer without it
// asking.
func (m *Manager) Push(ctx context.Context, s *broker.Session) (*Task, error) {
	if m.opts.Exporter == nil {
		return nil, ErrNotConfigured
	}
	t, err := m.begin("", s.Domain().Name(), RoleExport, s)
	if err != nil {
		return nil, err
	}
	go m.export(context.WithoutCancel(ctx), t)
	return t, nil
}

// HandleInit serves initialization traffic arriving on a broker session.
func (m *Manager) HandleInit(ctx context.Context, s *broker.Session, msg broker.Message) error {
	switch v := msg.(type) {
	case broker.InitializeRequest:
		return m.onRequest(ctx, s, v)
	case broker.InitializeTarget:
		return m.onTarget(ctx, s, v)
	case broker.Entry:
		return m.onEntry(ctx, s, v)
	case broker.Done:
		return m.onDone(ctx, s, v)
	case broker.Error:
		t, unlock, ok := m.importTask(v.TaskID)
		if !ok {
			return nil
		}
		defer unlock()
		var err error
		if t.Role == RoleImport && t.State() == StateTransferring {
			m.abortImport(ctx, t)
			err = s.SetStatus(ctx, domain.StatusNormal)
		}
		m.finish(t, remoteError(v.Message))
		return err
	}
	return fmt.Errorf("%w: %s is not initialization traffic", broker.ErrProtocol, msg.Kind())
}

func (m *Manager) onRequest(ctx context.Context, s *broker.Session, req broker.InitializeRequest) error {
	if m.opts.Exporter == nil {
		return s.Send(ctx, broker.Error{TaskID: req.TaskID, Message: ErrNotConfigured.Error()})
	}
	t, err := m.begin(req.TaskID, s.Domain().Name(), RoleExport, s)
	if err != nil {
		m.log.Warn("initialization request rejected", "task", req.TaskID, "err", err)
		metrics.InitTasks.WithLabelValues(string(RoleExport), "rejected").Inc()
		return s.Send(ctx, broker.Error{TaskID: req.TaskID, Message: err.Error()})
	}
	go m.export(context.WithoutCancel(ctx), t)
	return nil
}

func (m *Manager) export(ctx context.Context, t *Task) {
	s := t.session
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := m.runExport(ctx, t)
	if err != nil {
		_ = s.Send(ctx, broker.Error{TaskID: t.ID, Message: err.Error()})
	}
	// the target usually drops the session once the copy is committed
	if serr := s.SetStatus(ctx, domain.StatusNormal); serr != nil {
		t.log.Debug("leave full update", "err", serr)
	}
	m.finish(t, err)
}

func (m *Manager) runExport(ctx context.Context, t *Task) error {
	s := t.session
	dom := s.Domain()
	t.setState(StateTransferring)
	if err := s.SetStatus(ctx, domain.StatusFullUpdate); err != nil {
		return err
	}
	gen := dom.Generation()
	if gen == 0 {
		gen = domain.GenerationID(m.opts.Now().UnixMilli())
		if err := dom.SetGeneration(ctx, gen); err != nil {
			return err
		}
	}
	total, err := m.opts.Exporter.Count(ctx, t.Domain)
	if err != nil {
		return fmt.Errorf("count %s: %w", t.Domain, err)
	}
	t.setTotal(total, gen)
	if err := s.Send(ctx, broker.InitializeTarget{TaskID: t.ID, Total: total, Generation: gen, Source: s.Replica()}); err != nil {
		return err
	}
	var seq uint64
	err = m.opts.Exporter.Export(ctx, t.Domain, func(data []byte) error {
		if err := t.Err(); err != nil {
			return err
		}
		seq++
		t.advance(seq)
		return s.Send(ctx, broker.Entry{TaskID: t.ID, Seq: seq, Data: data})
	})
	if err != nil {
		return fmt.Errorf("export %s: %w", t.Domain, err)
	}
	if seq != total {
		return fmt.Errorf("%w: exported %d of %d announced", ErrCountMismatch, seq, total)
	}
	return s.Send(ctx, broker.Done{TaskID: t.ID, Count: seq})
}

func (m *Manager) onTarget(ctx context.Context, s *broker.Session, msg broker.InitializeTarget) error {
	t, unlock, ok := m.importTask(msg.TaskID)
	if !ok {
		// a push from the source
		if m.opts.Importer == nil {
			return s.Send(ctx, broker.Error{TaskID: msg.TaskID, Message: ErrNotConfigured.Error()})
		}
		var err error
		t, err = m.begin(msg.TaskID, s.Domain().Name(), RoleImport, s)
		if err != nil {
			return s.Send(ctx, broker.Error{TaskID: msg.TaskID, Message: err.Error()})
		}
		t.setState(StateRequested)
		t.op.Lock()
		unlock = t.op.Unlock
		if t.ended() {
			unlock()
			return nil
		}
	}
	defer unlock()
	if t.Role != RoleImport || t.State() != StateRequested {
		return m.failImport(ctx, t, fmt.Errorf("unexpected target announcement in state %s", t.State()))
	}
	t.setTotal(msg.Total, msg.Generation)
	t.setState(StateTransferring)
	if err := s.SetStatus(ctx, domain.StatusFullUpdate); err != nil {
		return err
	}
	if err := m.opts.Importer.Begin(ctx, t.Domain, msg.Total); err != nil {
		return m.failImport(ctx, t, fmt.Errorf("begin import: %w", err))
	}
	t.log.Info("receiving full copy", "total", msg.Total, "generation", int64(msg.Generation), "source", uint16(msg.Source))
	return nil
}

func (m *Manager) onEntry(ctx context.Context, s *broker.Session, e broker.Entry) error {
	t, unlock, ok := m.importTask(e.TaskID)
	if ok {
		defer unlock()
	}
	if !ok || t.Role != RoleImport || t.State() != StateTransferring {
		return s.Send(ctx, broker.Error{TaskID: e.TaskID, Message: "no import in progress for task"})
	}
	if want := t.Received() + 1; e.Seq != want {
		return m.failImport(ctx, t, fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, e.Seq, want))
	}
	if err := m.opts.Importer.Import(ctx, t.Domain, e.Seq, e.Data); err != nil {
		return m.failImport(ctx, t, fmt.Errorf("import entry %d: %w", e.Seq, err))
	}
	t.advance(e.Seq)
	return nil
}

func (m *Manager) onDone(ctx context.Context, s *broker.Session, d broker.Done) error {
	t, unlock, ok := m.importTask(d.TaskID)
	if ok {
		defer unlock()
	}
	if !ok || t.Role != RoleImport || t.State() != StateTransferring {
		return s.Send(ctx, broker.Error{TaskID: d.TaskID, Message: "no import in progress for task"})
	}
	total, gen := t.Total()
	if got := t.Received(); got != d.Count || got != total {
		return m.failImport(ctx, t, fmt.Errorf("%w: received %d, source sent %d, announced %d", ErrCountMismatch, got, d.Count, total))
	}
	if err := m.opts.Importer.Commit(ctx, t.Domain); err != nil {
		return m.failImport(ctx, t, fmt.Errorf("commit import: %w", err))
	}
	if err := s.Domain().SetGeneration(ctx, gen); err != nil {
		return m.failImport(ctx, t, err)
	}
	m.finish(t, nil)
	return broker.ErrReinitialized
}

// failImport aborts an import, tells the source and leaves full update.
func (m *Manager) failImport(ctx context.Context, t *Task, err error) error {
	m.abortImport(ctx, t)
	serr := t.session.Send(ctx, broker.Error{TaskID: t.ID, Message: err.Error()})
	if serr == nil {
		serr = t.session.SetStatus(ctx, domain.StatusNormal)
	}
	m.finish(t, err)
	return serr
}

func (m *Manager) abortImport(ctx context.Context, t *Task) {
	if t.Role != RoleImport || t.State() != StateTransferring {
		return
	}
	if err := m.opts.Importer.Abort(ctx, t.Domain); err != nil {
		t.log.Warn("abort import", "err", err)
	}
}

// remoteError maps an error text received from the peer back to the local
// sentinel it came from.
func remoteError(msg string) error {
	for _, sentinel := range []error{ErrSimultaneousImportExport, ErrCountMismatch, ErrOutOfSequence, ErrNotConfigured} {
		if strings.Contains(msg, sentinel.Error()) {
			return fmt.Errorf("peer reported %q: %w", msg, sentinel)
		}
	}
	return fmt.Errorf("peer: %s", msg)
}
