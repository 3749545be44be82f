package ecl

import (
	"context"
	"sort"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/state"
)

// merger is a k-way merge over one StateCursor per exposed domain. Heads
// are re-peeked on every step: a late record from a slow replica can
// become a domain's new head at any time.
type merger struct {
	version uint64
	names   []string
	cursors map[string]*changelog.StateCursor
	pos     state.MultiDomainState
}

// openMerger positions one cursor per exposed domain after from. With
// lenient set, a trimmed position restarts at the domain's oldest record
// instead of failing.
func (a *Aggregator) openMerger(ctx context.Context, from state.MultiDomainState, lenient bool) (*merger, error) {
	names, doms, version := a.exposed()
	m := &merger{
		version: version,
		cursors: make(map[string]*changelog.StateCursor, len(names)),
		pos:     state.MultiDomainState{},
	}
	for _, name := range names {
		if err := m.add(ctx, a, name, doms[name], from[name], lenient); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *merger) add(ctx context.Context, a *Aggregator, name string, d *changelog.Domain, from state.ServerState, lenient bool) error {
	c, err := d.Since(ctx, from)
	if err != nil && lenient && isTrimmed(err) {
		a.logger.Warn("position trimmed, restarting domain at oldest record", "domain", name)
		c, err = d.Since(ctx, nil)
	}
	if err != nil {
		if isTrimmed(err) {
			return &ResyncError{Reason: ReasonTooOld, Domain: name}
		}
		return err
	}
	m.cursors[name] = c
	m.pos[name] = c.Position()
	m.names = append(m.names, name)
	sort.Strings(m.names)
	return nil
}

// sync follows domain registration changes: removed or excluded domains
// are dropped, newly exposed ones start at their oldest record.
func (m *merger) sync(ctx context.Context, a *Aggregator) error {
	if m.version == a.currentVersion() {
		return nil
	}
	names, doms, version := a.exposed()
	for _, name := range m.names {
		if _, ok := doms[name]; !ok {
			delete(m.cursors, name)
			delete(m.pos, name)
		}
	}
	m.names = m.names[:0]
	for name := range m.cursors {
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	for _, name := range names {
		if _, ok := m.cursors[name]; ok {
			continue
		}
		if err := m.add(ctx, a, name, doms[name], nil, true); err != nil {
			return err
		}
	}
	m.version = version
	return nil
}

// next consumes the smallest pending record across domains if it is at or
// below eligible.
func (m *merger) next(ctx context.Context, a *Aggregator, eligible csn.CSN) (domain.Change, bool, error) {
	if err := m.sync(ctx, a); err != nil {
		return domain.Change{}, false, err
	}
	var (
		best    domain.Change
		bestDom string
		found   bool
	)
	for _, name := range m.names {
		ch, ok, err := m.cursors[name].Peek(ctx)
		if err != nil {
			if isTrimmed(err) {
				return domain.Change{}, false, &ResyncError{Reason: ReasonTooOld, Domain: name}
			}
			return domain.Change{}, false, err
		}
		if ok && (!found || ch.CSN.Less(best.CSN)) {
			best, bestDom, found = ch, name, true
		}
	}
	if !found || eligible.Less(best.CSN) {
		return domain.Change{}, false, nil
	}
	ch, _, err := m.cursors[bestDom].Next(ctx)
	if err != nil {
		return domain.Change{}, false, err
	}
	m.pos.Update(bestDom, state.NewServerState(ch.CSN))
	return ch, true, nil
}
