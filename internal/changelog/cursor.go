package changelog

import (
	"context"
	"fmt"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/state"
)

func trimmedError(name string, pos, boundary csn.CSN) error {
	return fmt.Errorf("%w: %s position %s below boundary %s", ErrTrimmed, name, pos, boundary)
}

// Cursor walks the log in CSN order from a fixed position. A record
// appended later with a CSN below the cursor position is not returned; use
// Since to follow every replica.
type Cursor struct {
	d         *Domain
	pos       csn.CSN
	inclusive bool
	buf       []domain.Change
	err       error
}

// IterateFrom opens a cursor at c. It fails with ErrTrimmed when c is below
// the retention boundary, and the cursor fails the same way if a later trim
// passes its position before it is exhausted.
func (d *Domain) IterateFrom(_ context.Context, c csn.CSN, inclusive bool) (*Cursor, error) {
	if b := d.Boundary(); c.Less(b) {
		return nil, trimmedError(d.name, c, b)
	}
	return &Cursor{d: d, pos: c, inclusive: inclusive}, nil
}

// IterateAll opens a cursor at the oldest retained record.
func (d *Domain) IterateAll(ctx context.Context) (*Cursor, error) {
	return d.IterateFrom(ctx, d.Boundary(), true)
}

// Next returns the following record, or false when the cursor has caught
// up with the log. A caught-up cursor may be polled again later.
func (c *Cursor) Next(ctx context.Context) (domain.Change, bool, error) {
	if c.err != nil {
		return domain.Change{}, false, c.err
	}
	if len(c.buf) == 0 {
		var batch []domain.Change
		if err := c.d.retry(ctx, "read", func() (err error) {
			batch, err = c.d.log.Read(ctx, c.pos, c.inclusive, c.d.opts.BatchSize)
			return err
		}); err != nil {
			c.err = fmt.Errorf("read %s: %w", c.d.name, err)
			return domain.Change{}, false, c.err
		}
		if b := c.d.Boundary(); c.pos.Less(b) {
			c.err = trimmedError(c.d.name, c.pos, b)
			return domain.Change{}, false, c.err
		}
		if len(batch) == 0 {
			return domain.Change{}, false, nil
		}
		c.buf = batch
	}
	ch := c.buf[0]
	c.buf = c.buf[1:]
	c.pos, c.inclusive = ch.CSN, false
	return ch, true, nil
}

// StateCursor returns every record not covered by a replica state vector,
// in CSN order among what is currently readable. Each replica is read
// independently so late arrivals from a slow replica are not skipped.
type StateCursor struct {
	d    *Domain
	pos  state.ServerState
	bufs map[csn.ReplicaID][]domain.Change
	err  error
}

// Since opens a StateCursor after from. An empty vector starts at the
// oldest retained record.
func (d *Domain) Since(_ context.Context, from state.ServerState) (*StateCursor, error) {
	if err := d.CheckState(from); err != nil {
		return nil, err
	}
	pos := from.Clone()
	if from.IsEmpty() {
		pos = d.StartState()
	}
	return &StateCursor{d: d, pos: pos, bufs: map[csn.ReplicaID][]domain.Change{}}, nil
}

// Position is the vector of the last record returned per replica.
func (c *StateCursor) Position() state.ServerState { return c.pos.Clone() }

// Peek returns the smallest pending record without consuming it.
func (c *StateCursor) Peek(ctx context.Context) (domain.Change, bool, error) {
	if c.err != nil {
		return domain.Change{}, false, c.err
	}
	for r, last := range c.d.snap.Load().db {
		if len(c.bufs[r]) > 0 {
			continue
		}
		p := c.pos[r]
		if !p.Less(last) {
			continue
		}
		var batch []domain.Change
		if err := c.d.retry(ctx, "read", func() (err error) {
			batch, err = c.d.log.ReadReplica(ctx, r, p, c.d.opts.BatchSize)
			return err
		}); err != nil {
			c.err = fmt.Errorf("read %s replica %d: %w", c.d.name, r, err)
			return domain.Change{}, false, c.err
		}
		if st, ok := c.d.snap.Load().start[r]; ok && p.Less(st) {
			c.err = fmt.Errorf("%w: %s replica %d at %s, trimmed through %s", ErrTrimmed, c.d.name, r, p, st)
			return domain.Change{}, false, c.err
		}
		c.bufs[r] = batch
	}

	var (
		best  domain.Change
		found bool
	)
	for _, buf := range c.bufs {
		if len(buf) > 0 && (!found || buf[0].CSN.Less(best.CSN)) {
			best, found = buf[0], true
		}
	}
	return best, found, nil
}

func (c *StateCursor) Next(ctx context.Context) (domain.Change, bool, error) {
	ch, ok, err := c.Peek(ctx)
	if !ok || err != nil {
		return ch, ok, err
	}
	r := ch.CSN.Replica
	c.bufs[r] = c.bufs[r][1:]
	c.pos[r] = ch.CSN
	return ch, true, nil
}
