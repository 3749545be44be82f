// Package ecl merges the changelogs of every exposed domain into one
// external changelog, addressable by cookie or by draft change number.
package ecl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"
	"dirsync/internal/state"
	"dirsync/internal/storage"
)

type Options struct {
	// StalenessBound drops replicas silent for longer than this from the
	// eligibility computation. Zero keeps them forever.
	StalenessBound time.Duration
	Drafts         storage.DraftIndex
	Logger         *slog.Logger
	Now            func() time.Time
}

type member struct {
	d        *changelog.Domain
	excluded bool
	stop     chan struct{}
}

// Entry is one external changelog record together with its draft change
// number and the cookie positioned just after it.
type Entry struct {
	domain.Change
	Number int64
	Cookie string
}

type Aggregator struct {
	opts   Options
	logger *slog.Logger
	drafts storage.DraftIndex

	mu        sync.RWMutex
	members   map[string]*member
	version   uint64
	listeners map[*Listener]struct{}
	closed    bool

	numMu     sync.Mutex
	numbering *merger
}

func New(opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Drafts == nil {
		opts.Drafts = storage.NewMemoryDraftIndex()
	}
	return &Aggregator{
		opts:      opts,
		logger:    opts.Logger.With("component", "ecl"),
		drafts:    opts.Drafts,
		members:   map[string]*member{},
		listeners: map[*Listener]struct{}{},
	}
}

// Register exposes d in the external changelog.
func (a *Aggregator) Register(d *changelog.Domain) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, ok := a.members[d.Name()]; ok {
		return fmt.Errorf("domain %s already registered", d.Name())
	}
	m := &member{d: d, stop: make(chan struct{})}
	a.members[d.Name()] = m
	a.version++
	sub, release := d.Subscribe()
	go a.forward(m, sub, release)
	a.logger.Info("domain registered", "domain", d.Name())
	return nil
}

func (a *Aggregator) forward(m *member, sub <-chan struct{}, release func()) {
	defer release()
	for {
		select {
		case <-sub:
			a.broadcast()
		case <-m.stop:
			return
		case <-m.d.Done():
			return
		}
	}
}

// Deregister removes a domain. Open listeners are cancelled.
func (a *Aggregator) Deregister(name string) {
	a.mu.Lock()
	m, ok := a.members[name]
	if ok {
		delete(a.members, name)
		close(m.stop)
		a.version++
	}
	a.mu.Unlock()
	if ok {
		a.logger.Info("domain deregistered", "domain", name)
		a.cancelListeners(fmt.Errorf("domain %s removed from external changelog", name))
	}
}

// SetExcluded hides or re-exposes a domain. Excluding cancels listeners.
func (a *Aggregator) SetExcluded(name string, excluded bool) error {
	a.mu.Lock()
	m, ok := a.members[name]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("domain %s not registered", name)
	}
	changed := m.excluded != excluded
	m.excluded = excluded
	if changed {
		a.version++
	}
	a.mu.Unlock()
	if changed && excluded {
		a.cancelListeners(fmt.Errorf("domain %s excluded from external changelog", name))
	}
	if changed {
		a.broadcast()
	}
	return nil
}

// Domains returns the exposed domain names, sorted.
func (a *Aggregator) Domains() []string {
	names, _, _ := a.exposed()
	return names
}

// Domain returns a registered domain, exposed or not.
func (a *Aggregator) Domain(name string) (*changelog.Domain, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.members[name]
	if !ok {
		return nil, false
	}
	return m.d, true
}

func (a *Aggregator) exposed() ([]string, map[string]*changelog.Domain, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.members))
	doms := make(map[string]*changelog.Domain, len(a.members))
	for name, m := range a.members {
		if m.excluded {
			continue
		}
		names = append(names, name)
		doms[name] = m.d
	}
	sort.Strings(names)
	return names, doms, a.version
}

func (a *Aggregator) currentVersion() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// EligiblePoint is the highest CSN that can be released: no live replica of
// an exposed domain can still produce a record below it.
func (a *Aggregator) EligiblePoint() csn.CSN {
	now := a.opts.Now()
	out := changelog.Ceiling(now)
	_, doms, _ := a.exposed()
	for name, d := range doms {
		e := d.EligibleCSN(now, a.opts.StalenessBound)
		metrics.EligibleLag.WithLabelValues(name).Set(float64(now.UnixMilli()-e.Time) / 1000)
		if e.Less(out) {
			out = e
		}
	}
	return out
}

// ValidateCookie checks a consumer position: unknown domains first, then
// missing exposed domains, then positions older than a domain's start state.
func (a *Aggregator) ValidateCookie(ms state.MultiDomainState) error {
	a.mu.RLock()
	for _, name := range ms.Domains() {
		if _, ok := a.members[name]; !ok {
			a.mu.RUnlock()
			return &UnwillingError{Domain: name}
		}
	}
	a.mu.RUnlock()
	if len(ms) == 0 {
		return nil
	}

	names, doms, _ := a.exposed()
	for _, name := range names {
		if _, ok := ms[name]; !ok {
			return &ResyncError{
				Reason:   ReasonMissingDomain,
				Domain:   name,
				Expected: state.Segment(name, doms[name].StartState()),
			}
		}
	}
	for _, name := range names {
		if err := doms[name].CheckState(ms[name]); err != nil {
			return &ResyncError{Reason: ReasonTooOld, Domain: name}
		}
	}
	return nil
}

// LastCookie is the position just after every record appended so far.
func (a *Aggregator) LastCookie() state.MultiDomainState {
	names, doms, _ := a.exposed()
	out := state.MultiDomainState{}
	for _, name := range names {
		out[name] = doms[name].DBState()
	}
	return out
}

// StartState is the oldest position still resumable for every exposed domain.
func (a *Aggregator) StartState() state.MultiDomainState {
	names, doms, _ := a.exposed()
	out := state.MultiDomainState{}
	for _, name := range names {
		out[name] = doms[name].StartState()
	}
	return out
}

// EligibleCount counts exposed records after from and at or before to. A to
// beyond the eligible point counts only up to it, as a cursor would.
func (a *Aggregator) EligibleCount(ctx context.Context, from state.MultiDomainState, to csn.CSN) (int, error) {
	if e := a.EligiblePoint(); e.Less(to) {
		to = e
	}
	_, doms, _ := a.exposed()
	total := 0
	for name, d := range doms {
		n, err := d.Count(ctx, from[name], to)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Cursor reads the external changelog from a cookie position.
type Cursor struct {
	agg *Aggregator
	m   *merger
}

// Open validates cookie and positions a cursor after it.
func (a *Aggregator) Open(ctx context.Context, cookie string) (*Cursor, error) {
	ms, err := state.ParseCookie(cookie)
	if err != nil {
		return nil, err
	}
	return a.OpenState(ctx, ms)
}

func (a *Aggregator) OpenState(ctx context.Context, ms state.MultiDomainState) (*Cursor, error) {
	if err := a.ValidateCookie(ms); err != nil {
		return nil, err
	}
	m, err := a.openMerger(ctx, ms, false)
	if err != nil {
		return nil, err
	}
	return &Cursor{agg: a, m: m}, nil
}

// Cookie is the position after the last record returned.
func (c *Cursor) Cookie() string { return c.m.pos.String() }

// Next returns the next eligible record, or false when none is eligible
// yet. It never blocks waiting for records.
func (c *Cursor) Next(ctx context.Context) (Entry, bool, error) {
	if err := c.agg.checkOpen(); err != nil {
		return Entry{}, false, err
	}
	eligible := c.agg.EligiblePoint()
	if err := c.agg.numberThrough(ctx, eligible); err != nil {
		return Entry{}, false, err
	}
	rec, ok, err := c.m.next(ctx, c.agg, eligible)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	n, found, err := c.agg.drafts.Lookup(ctx, rec.Domain, rec.CSN)
	if err != nil {
		return Entry{}, false, fmt.Errorf("draft lookup: %w", err)
	}
	if !found {
		c.agg.logger.Warn("record released without draft number", "domain", rec.Domain, "csn", rec.CSN)
	}
	return Entry{Change: rec, Number: n, Cookie: c.m.pos.String()}, true, nil
}

func (a *Aggregator) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every listener. Registered domains stay open.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, m := range a.members {
		close(m.stop)
	}
	a.members = map[string]*member{}
	a.mu.Unlock()
	a.cancelListeners(ErrClosed)
	return nil
}

func isTrimmed(err error) bool { return errors.Is(err, changelog.ErrTrimmed) }
