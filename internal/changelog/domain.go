// Package changelog keeps the durable, CSN-ordered record log of one
// replicated domain and the replication state derived from it.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"
	"dirsync/internal/state"
	"dirsync/internal/storage"
)

var (
	ErrTrimmed = errors.New("changelog trimmed past requested position")
	ErrClosed  = errors.New("changelog closed")
)

type Options struct {
	// PurgeDelay is how long records are retained; zero disables Trim.
	PurgeDelay    time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	BatchSize     int
	// LocalReplica is the replica id this process generates CSNs for, zero if none.
	LocalReplica csn.ReplicaID
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) withDefaults() {
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 20 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// snapshot is replaced wholesale on every mutation and never written after
// publication, so readers need no lock.
type snapshot struct {
	db         state.ServerState
	start      state.ServerState
	boundary   csn.CSN
	changeTime state.ServerState
	lastSeen   map[csn.ReplicaID]time.Time
	generation domain.GenerationID
}

func (s *snapshot) clone() *snapshot {
	seen := make(map[csn.ReplicaID]time.Time, len(s.lastSeen))
	for r, t := range s.lastSeen {
		seen[r] = t
	}
	return &snapshot{
		db:         s.db.Clone(),
		start:      s.start.Clone(),
		boundary:   s.boundary,
		changeTime: s.changeTime.Clone(),
		lastSeen:   seen,
		generation: s.generation,
	}
}

// Domain is the changelog of one replicated base DN. Appends are
// serialized; reads work from published snapshots.
type Domain struct {
	name   string
	log    storage.Log
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	trimMu sync.Mutex
	snap   atomic.Pointer[snapshot]
	closed atomic.Bool

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
	done  chan struct{}

	// reserved holds local CSNs stamped but not yet appended.
	resMu    sync.Mutex
	resSeq   uint64
	reserved map[uint64]csn.CSN
}

// Open loads the persisted domain state from log and recovers the latest
// CSN of every replica still present in it.
func Open(ctx context.Context, name string, log storage.Log, opts Options) (*Domain, error) {
	opts.withDefaults()
	d := &Domain{
		name:   name,
		log:    log,
		opts:   opts,
		logger: opts.Logger.With("domain", name),
		subs:     make(map[chan struct{}]struct{}),
		done:     make(chan struct{}),
		reserved: make(map[uint64]csn.CSN),
	}

	var meta map[string]string
	if err := d.retry(ctx, "meta", func() (err error) {
		meta, err = log.Meta(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load %s meta: %w", name, err)
	}
	s := &snapshot{lastSeen: map[csn.ReplicaID]time.Time{}}
	var err error
	if s.db, err = state.ParseServerState(meta[storage.MetaDBState]); err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, storage.MetaDBState, err)
	}
	if s.start, err = state.ParseServerState(meta[storage.MetaStartState]); err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, storage.MetaStartState, err)
	}
	if v := meta[storage.MetaBoundary]; v != "" {
		if s.boundary, err = csn.Parse(v); err != nil {
			return nil, fmt.Errorf("%s %s: %w", name, storage.MetaBoundary, err)
		}
	}
	if v := meta[storage.MetaGeneration]; v != "" {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", name, storage.MetaGeneration, err)
		}
		s.generation = domain.GenerationID(g)
	}

	var last map[csn.ReplicaID]csn.CSN
	if err := d.retry(ctx, "recover", func() (err error) {
		last, err = log.LastPerReplica(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("recover %s: %w", name, err)
	}
	s.db.Merge(state.ServerState(last))
	s.changeTime = s.db.Clone()
	d.snap.Store(s)

	d.logger.Info("changelog opened", "db_state", s.db.String(), "boundary", s.boundary, "generation", s.generation)
	return d, nil
}

func (d *Domain) Name() string { return d.name }

// DBState returns the latest appended CSN per replica.
func (d *Domain) DBState() state.ServerState { return d.snap.Load().db.Clone() }

// StartState returns, per replica, the newest CSN removed by trim. A
// consumer positioned at or after it has missed nothing.
func (d *Domain) StartState() state.ServerState { return d.snap.Load().start.Clone() }

// Boundary is the retention boundary: every record below it may be gone.
func (d *Domain) Boundary() csn.CSN { return d.snap.Load().boundary }

// ChangeTime returns, per replica, the later of its last change and its
// last heartbeat.
func (d *Domain) ChangeTime() state.ServerState { return d.snap.Load().changeTime.Clone() }

func (d *Domain) Generation() domain.GenerationID { return d.snap.Load().generation }

func (d *Domain) SetGeneration(ctx context.Context, g domain.GenerationID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.retry(ctx, "meta", func() error {
		return d.log.SetMeta(ctx, map[string]string{storage.MetaGeneration: strconv.FormatInt(int64(g), 10)})
	}); err != nil {
		return fmt.Errorf("persist %s generation: %w", d.name, err)
	}
	next := d.snap.Load().clone()
	next.generation = g
	d.snap.Store(next)
	d.logger.Info("generation changed", "generation", g)
	return nil
}

// Append adds a change. Its CSN must be newer than every CSN already
// appended for the same replica; anything else is a caller bug and panics.
func (d *Domain) Append(ctx context.Context, ch domain.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.snap.Load().db[ch.CSN.Replica]; ok && !cur.Less(ch.CSN) {
		panic(fmt.Sprintf("changelog %s: append %s not after %s", d.name, ch.CSN, cur))
	}
	return d.appendLocked(ctx, ch)
}

// AppendIfNew appends ch unless its replica already has a CSN at or beyond
// it. It reports whether the change was appended.
func (d *Domain) AppendIfNew(ctx context.Context, ch domain.Change) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap.Load().db.Covers(ch.CSN) {
		return false, nil
	}
	if err := d.appendLocked(ctx, ch); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Domain) appendLocked(ctx context.Context, ch domain.Change) error {
	if d.closed.Load() {
		return ErrClosed
	}
	switch ch.Domain {
	case "":
		ch.Domain = d.name
	case d.name:
	default:
		return fmt.Errorf("change for %q appended to %q", ch.Domain, d.name)
	}

	if d.opts.LocalReplica != 0 && ch.CSN.Replica == d.opts.LocalReplica {
		release := d.Reserve(ch.CSN)
		defer release()
	}

	cur := d.snap.Load()
	next := cur.clone()
	if ch.CSN.Less(cur.boundary) {
		// Already outside retention: account for it as trimmed.
		next.start.Update(ch.CSN)
		d.logger.Warn("change older than retention boundary", "csn", ch.CSN, "boundary", cur.boundary)
	} else if err := d.retry(ctx, "append", func() error { return d.log.Append(ctx, ch) }); err != nil {
		return fmt.Errorf("append %s to %s: %w", ch.CSN, d.name, err)
	}
	next.db.Update(ch.CSN)
	next.changeTime.Update(ch.CSN)
	next.lastSeen[ch.CSN.Replica] = d.opts.Now()
	d.snap.Store(next)

	metrics.ChangesAppended.WithLabelValues(d.name).Inc()
	d.signal()
	return nil
}

// Heartbeat records that replica r has nothing older than c left to send.
func (d *Domain) Heartbeat(r csn.ReplicaID, c csn.CSN) {
	d.mu.Lock()
	next := d.snap.Load().clone()
	if !c.IsZero() {
		next.changeTime.Update(c)
	}
	next.lastSeen[r] = d.opts.Now()
	d.snap.Store(next)
	d.mu.Unlock()
	d.signal()
}

// EligibleCSN is the highest CSN below which no replica of the domain that
// was heard from within staleness can still send records. It never exceeds
// now; the local replica contributes LocalFloor. A zero staleness keeps every
// replica ever heard from.
func (d *Domain) EligibleCSN(now time.Time, staleness time.Duration) csn.CSN {
	s := d.snap.Load()
	out := Ceiling(now)
	if d.opts.LocalReplica != 0 {
		out = d.LocalFloor(now)
	}
	for r, c := range s.changeTime {
		if d.opts.LocalReplica != 0 && r == d.opts.LocalReplica {
			continue
		}
		seen, ok := s.lastSeen[r]
		if !ok || (staleness > 0 && now.Sub(seen) > staleness) {
			continue
		}
		if c.Less(out) {
			out = c
		}
	}
	return out
}

// Reserve keeps the local replica's contribution to EligibleCSN below
// floor until release is called. A writer takes it before stamping a local
// CSN no lower than floor and releases it once the change is appended or
// dropped. release may be called more than once.
func (d *Domain) Reserve(floor csn.CSN) (release func()) {
	d.resMu.Lock()
	d.resSeq++
	id := d.resSeq
	d.reserved[id] = floor
	d.resMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.resMu.Lock()
			delete(d.reserved, id)
			d.resMu.Unlock()
			d.signal()
		})
	}
}

// LocalFloor is the newest CSN at or below which every local change has
// been appended: the end of the previous millisecond, lowered under any
// pending reservation.
func (d *Domain) LocalFloor(now time.Time) csn.CSN {
	out := Ceiling(now.Add(-time.Millisecond))
	d.resMu.Lock()
	for _, c := range d.reserved {
		if p := c.Prev(); p.Less(out) {
			out = p
		}
	}
	d.resMu.Unlock()
	return out
}

// Ceiling returns the greatest CSN carrying timestamp t.
func Ceiling(t time.Time) csn.CSN {
	return csn.CSN{Time: t.UnixMilli(), Replica: math.MaxUint16, Seq: math.MaxUint32}
}

// Trim drops records older than the purge delay.
func (d *Domain) Trim(ctx context.Context, now time.Time) (int, error) {
	if d.opts.PurgeDelay <= 0 {
		return 0, nil
	}
	return d.TrimBefore(ctx, csn.AtTime(now.Add(-d.opts.PurgeDelay)))
}

// TrimBefore moves the retention boundary to b and deletes every record
// below it. The new boundary and start state are published before any
// record is removed. A boundary not past the current one is a no-op.
func (d *Domain) TrimBefore(ctx context.Context, b csn.CSN) (int, error) {
	d.trimMu.Lock()
	defer d.trimMu.Unlock()

	if err := d.publishBoundary(ctx, b); err != nil {
		if errors.Is(err, errNoop) {
			return 0, nil
		}
		return 0, err
	}

	var n int
	if err := d.retry(ctx, "purge", func() (err error) {
		n, err = d.log.PurgeBefore(ctx, b)
		return err
	}); err != nil {
		return 0, fmt.Errorf("trim %s before %s: %w", d.name, b, err)
	}
	metrics.ChangesTrimmed.WithLabelValues(d.name).Add(float64(n))
	d.logger.Info("changelog trimmed", "boundary", b, "removed", n)
	d.signal()
	return n, nil
}

var errNoop = errors.New("noop")

func (d *Domain) publishBoundary(ctx context.Context, b csn.CSN) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.snap.Load()
	if !cur.boundary.Less(b) {
		return errNoop
	}
	next := cur.clone()
	next.boundary = b
	for r := range cur.db {
		var (
			last csn.CSN
			ok   bool
		)
		if err := d.retry(ctx, "last_before", func() (err error) {
			last, ok, err = d.log.LastBefore(ctx, r, b)
			return err
		}); err != nil {
			return fmt.Errorf("trim %s: %w", d.name, err)
		}
		if ok {
			next.start.Update(last)
		}
	}
	if err := d.retry(ctx, "meta", func() error {
		return d.log.SetMeta(ctx, map[string]string{
			storage.MetaBoundary:   b.String(),
			storage.MetaStartState: next.start.String(),
			storage.MetaDBState:    next.db.String(),
		})
	}); err != nil {
		return fmt.Errorf("persist %s boundary: %w", d.name, err)
	}
	d.snap.Store(next)
	return nil
}

// CheckState reports ErrTrimmed when a consumer positioned at from has
// missed records removed by trim. An empty position means "from the oldest
// retained record" and is always acceptable.
func (d *Domain) CheckState(from state.ServerState) error {
	if from.IsEmpty() {
		return nil
	}
	s := d.snap.Load()
	for _, st := range s.start.CSNs() {
		got, ok := from[st.Replica]
		if !ok || got.Less(st) {
			return fmt.Errorf("%w: %s replica %d at %s, trimmed through %s", ErrTrimmed, d.name, st.Replica, got, st)
		}
	}
	return nil
}

// Count returns how many records lie after from and at or before to.
func (d *Domain) Count(ctx context.Context, from state.ServerState, to csn.CSN) (int, error) {
	total := 0
	for r := range d.snap.Load().db {
		after := from[r]
		if !after.Less(to) {
			continue
		}
		var n int
		if err := d.retry(ctx, "count", func() (err error) {
			n, err = d.log.Count(ctx, r, after, to)
			return err
		}); err != nil {
			return 0, fmt.Errorf("count %s: %w", d.name, err)
		}
		total += n
	}
	return total, nil
}

func (d *Domain) Get(ctx context.Context, c csn.CSN) (domain.Change, bool, error) {
	var (
		ch domain.Change
		ok bool
	)
	err := d.retry(ctx, "get", func() (err error) {
		ch, ok, err = d.log.Get(ctx, c)
		return err
	})
	return ch, ok, err
}

// Subscribe returns a channel that receives a coalesced signal whenever the
// domain changes, and a func releasing it.
func (d *Domain) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	d.subMu.Lock()
	d.subs[ch] = struct{}{}
	d.subMu.Unlock()
	return ch, func() {
		d.subMu.Lock()
		delete(d.subs, ch)
		d.subMu.Unlock()
	}
}

// Done is closed when the domain is closed.
func (d *Domain) Done() <-chan struct{} { return d.done }

func (d *Domain) signal() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close persists the replica state and stops accepting appends.
func (d *Domain) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)
	s := d.snap.Load()
	err := d.log.SetMeta(ctx, map[string]string{storage.MetaDBState: s.db.String()})
	return errors.Join(err, d.log.Close())
}

func (d *Domain) retry(ctx context.Context, op string, fn func() error) error {
	backoff := d.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrClosed) || ctx.Err() != nil || attempt >= d.opts.RetryAttempts {
			return err
		}
		metrics.StorageRetries.WithLabelValues(d.name, op).Inc()
		d.logger.Warn("retrying changelog storage operation", "op", op, "attempt", attempt+1, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

// StateBefore returns the position just before c: per replica, the newest
// retained or trimmed CSN below c.
func (d *Domain) StateBefore(ctx context.Context, c csn.CSN) (state.ServerState, error) {
	s := d.snap.Load()
	out := state.ServerState{}
	for r := range s.db {
		var (
			last csn.CSN
			ok   bool
		)
		if err := d.retry(ctx, "last_before", func() (err error) {
			last, ok, err = d.log.LastBefore(ctx, r, c)
			return err
		}); err != nil {
			return nil, fmt.Errorf("position %s before %s: %w", d.name, c, err)
		}
		if ok {
			out.Update(last)
		}
		if st, ok := s.start[r]; ok && st.Less(c) {
			out.Update(st)
		}
	}
	return out, nil
}
