package ecl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"
	"dirsync/internal/state"
)

const draftBatch = 256

// AssignDrafts numbers every record up to the current eligible point.
func (a *Aggregator) AssignDrafts(ctx context.Context) error {
	return a.numberThrough(ctx, a.EligiblePoint())
}

// numberThrough walks the single numbering cursor up to eligible and
// persists each new (number, domain, csn) together with the cursor
// position. Records that already hold a number keep it.
func (a *Aggregator) numberThrough(ctx context.Context, eligible csn.CSN) error {
	a.numMu.Lock()
	defer a.numMu.Unlock()

	if err := a.openNumbering(ctx); err != nil {
		return err
	}
	last, err := a.drafts.LastAssigned(ctx)
	if err != nil {
		return fmt.Errorf("draft index: %w", err)
	}

	var batch []domain.DraftEntry
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := a.drafts.Assign(ctx, batch, a.numbering.pos.String()); err != nil {
			a.numbering = nil
			return fmt.Errorf("assign draft numbers: %w", err)
		}
		metrics.DraftsAssigned.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	restarted := false
	for {
		ch, ok, err := a.numbering.next(ctx, a, eligible)
		var resync *ResyncError
		if errors.As(err, &resync) && !restarted {
			// Records were trimmed before they got a number.
			a.logger.Warn("numbering cursor trimmed, restarting", "domain", resync.Domain)
			if err := flush(); err != nil {
				return err
			}
			a.numbering, restarted = nil, true
			if err := a.openNumbering(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			a.numbering = nil
			return fmt.Errorf("number drafts: %w", err)
		}
		if !ok {
			break
		}
		_, found, err := a.drafts.Lookup(ctx, ch.Domain, ch.CSN)
		if err != nil {
			a.numbering = nil
			return fmt.Errorf("draft lookup: %w", err)
		}
		if found {
			continue
		}
		last++
		batch = append(batch, domain.DraftEntry{Number: last, Domain: ch.Domain, CSN: ch.CSN})
		if len(batch) >= draftBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (a *Aggregator) openNumbering(ctx context.Context) error {
	if a.numbering != nil {
		return nil
	}
	raw, err := a.drafts.Position(ctx)
	if err != nil {
		return fmt.Errorf("draft position: %w", err)
	}
	from, err := state.ParseCookie(raw)
	if err != nil {
		a.logger.Warn("discarding unreadable numbering position", "position", raw, "err", err)
		from = state.MultiDomainState{}
	}
	m, err := a.openMerger(ctx, from, true)
	if err != nil {
		return err
	}
	a.numbering = m
	return nil
}

// DraftRange selects draft change numbers Lo..Hi inclusive.
type DraftRange struct {
	Lo, Hi int64
}

func (r DraftRange) Validate() error {
	if r.Lo < 0 || r.Hi < r.Lo {
		return fmt.Errorf("%w: %d..%d", ErrInvalidRange, r.Lo, r.Hi)
	}
	return nil
}

// From selects every number at or above lo.
func From(lo int64) DraftRange { return DraftRange{Lo: lo, Hi: math.MaxInt64} }

// ParseDraftPredicate accepts changenumber>=N, changenumber<=N and
// changenumber=N, optionally parenthesized.
func ParseDraftPredicate(s string) (DraftRange, error) {
	p := strings.ToLower(strings.Join(strings.Fields(s), ""))
	p = strings.TrimSuffix(strings.TrimPrefix(p, "("), ")")
	rest, ok := strings.CutPrefix(p, "changenumber")
	if !ok {
		return DraftRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	var op string
	for _, candidate := range []string{">=", "<=", "="} {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return DraftRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	n, err := strconv.ParseInt(rest[len(op):], 10, 64)
	if err != nil || n < 0 {
		return DraftRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	switch op {
	case ">=":
		return From(n), nil
	case "<=":
		if n == 0 {
			return DraftRange{}, nil
		}
		return DraftRange{Lo: 1, Hi: n}, nil
	}
	return DraftRange{Lo: n, Hi: n}, nil
}

// DraftCursor reads the external changelog in draft number order.
type DraftCursor struct {
	agg  *Aggregator
	next int64
	hi   int64
	pos  state.MultiDomainState
	buf  []domain.DraftEntry
}

func (a *Aggregator) OpenDraft(ctx context.Context, r DraftRange) (*DraftCursor, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := a.AssignDrafts(ctx); err != nil {
		return nil, err
	}
	c := &DraftCursor{agg: a, next: r.Lo, hi: r.Hi}
	anchor, err := a.drafts.Scan(ctx, r.Lo, 1)
	if err != nil {
		return nil, fmt.Errorf("draft index: %w", err)
	}
	if len(anchor) == 0 {
		c.pos = a.LastCookie()
		return c, nil
	}
	c.pos = state.MultiDomainState{}
	names, doms, _ := a.exposed()
	for _, name := range names {
		ss, err := doms[name].StateBefore(ctx, anchor[0].CSN)
		if err != nil {
			return nil, err
		}
		c.pos[name] = ss
	}
	return c, nil
}

// Next returns the next numbered record in range, or false when none is
// numbered yet or the range is exhausted.
func (c *DraftCursor) Next(ctx context.Context) (Entry, bool, error) {
	for {
		if c.next > c.hi {
			return Entry{}, false, nil
		}
		if len(c.buf) == 0 {
			if err := c.agg.AssignDrafts(ctx); err != nil {
				return Entry{}, false, err
			}
			var err error
			if c.buf, err = c.agg.drafts.Scan(ctx, c.next, 64); err != nil {
				return Entry{}, false, fmt.Errorf("draft index: %w", err)
			}
			if len(c.buf) == 0 {
				return Entry{}, false, nil
			}
		}
		e := c.buf[0]
		c.buf = c.buf[1:]
		if e.Number > c.hi {
			c.next = e.Number
			return Entry{}, false, nil
		}
		c.next = e.Number + 1

		_, doms, _ := c.agg.exposed()
		d, ok := doms[e.Domain]
		if !ok {
			continue
		}
		ch, found, err := d.Get(ctx, e.CSN)
		if err != nil {
			return Entry{}, false, err
		}
		if !found {
			continue
		}
		c.pos.Update(e.Domain, state.NewServerState(e.CSN))
		return Entry{Change: ch, Number: e.Number, Cookie: c.pos.String()}, true, nil
	}
}

// Cookie is the position after the last record returned.
func (c *DraftCursor) Cookie() string { return c.pos.String() }

// Range collects every available record numbered within r. A single number
// that cannot be resolved yields an empty result.
func (a *Aggregator) Range(ctx context.Context, r DraftRange) ([]Entry, error) {
	c, err := a.OpenDraft(ctx, r)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		e, ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// FirstDraft returns the lowest draft number whose record is still exposed.
func (a *Aggregator) FirstDraft(ctx context.Context) (int64, bool, error) {
	if err := a.AssignDrafts(ctx); err != nil {
		return 0, false, err
	}
	_, doms, _ := a.exposed()
	from := int64(0)
	for {
		batch, err := a.drafts.Scan(ctx, from, 128)
		if err != nil {
			return 0, false, fmt.Errorf("draft index: %w", err)
		}
		if len(batch) == 0 {
			return 0, false, nil
		}
		for _, e := range batch {
			if _, ok := doms[e.Domain]; ok {
				return e.Number, true, nil
			}
		}
		from = batch[len(batch)-1].Number + 1
	}
}

// LastDraft returns the highest draft number assigned so far.
func (a *Aggregator) LastDraft(ctx context.Context) (int64, bool, error) {
	if err := a.AssignDrafts(ctx); err != nil {
		return 0, false, err
	}
	e, ok, err := a.drafts.Last(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("draft index: %w", err)
	}
	return e.Number, ok, nil
}

// PurgeDrafts deletes leading index entries whose record was trimmed or
// whose domain is gone. Numbers are never handed out again.
func (a *Aggregator) PurgeDrafts(ctx context.Context) (int, error) {
	a.numMu.Lock()
	defer a.numMu.Unlock()

	total := 0
	for {
		batch, err := a.drafts.Scan(ctx, 0, 128)
		if err != nil {
			return total, fmt.Errorf("draft index: %w", err)
		}
		cut := int64(-1)
		for _, e := range batch {
			d, ok := a.Domain(e.Domain)
			if ok && !d.StartState().Covers(e.CSN) {
				break
			}
			cut = e.Number
		}
		if cut < 0 {
			break
		}
		n, err := a.drafts.DeleteThrough(ctx, cut)
		if err != nil {
			return total, fmt.Errorf("purge draft index: %w", err)
		}
		total += n
		if cut != batch[len(batch)-1].Number {
			break
		}
	}
	if total > 0 {
		metrics.DraftsPurged.Add(float64(total))
		a.logger.Info("draft index purged", "removed", total)
	}
	return total, nil
}
