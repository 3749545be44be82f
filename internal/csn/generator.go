package csn

import (
	"math"
	"sync"
	"time"
)

// Generator emits strictly increasing CSNs for one replica.
type Generator struct {
	mu      sync.Mutex
	replica ReplicaID
	last    int64
	seq     uint32
	now     func() time.Time
}

func NewGenerator(replica ReplicaID) *Generator {
	return &Generator{replica: replica, now: time.Now}
}

// NewGeneratorWithClock is NewGenerator with an injected wall clock.
func NewGeneratorWithClock(replica ReplicaID, now func() time.Time) *Generator {
	return &Generator{replica: replica, now: now}
}

func (g *Generator) Replica() ReplicaID { return g.replica }

// Next returns a CSN greater than every CSN previously returned or observed.
// Wall-clock time is used when it advanced, otherwise the sequence counter grows.
func (g *Generator) Next() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()

	phys := g.now().UnixMilli()
	if phys > g.last {
		g.last = phys
		g.seq = 0
	} else if g.seq == math.MaxUint32 {
		g.last++
		g.seq = 0
	} else {
		g.seq++
	}
	return CSN{Time: g.last, Seq: g.seq, Replica: g.replica}
}

// Floor returns a CSN no greater than any CSN Next can return from now on.
func (g *Generator) Floor() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.now().UnixMilli()
	if g.last > t {
		t = g.last
	}
	return CSN{Time: t, Replica: g.replica}
}

// Observe moves the generator past a CSN received from a peer so that
// locally emitted CSNs sort after it.
func (g *Generator) Observe(c CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.Replica == g.replica {
		if c.Time > g.last || (c.Time == g.last && c.Seq > g.seq) {
			g.last, g.seq = c.Time, c.Seq
		}
		return
	}
	// A peer CSN at our timestamp may sort after ours on replica id alone,
	// so the next local CSN has to move to the following millisecond.
	if c.Time >= g.last {
		g.last, g.seq = c.Time, math.MaxUint32
	}
}

// Clock holds one generator per replica id hosted in the process.
type Clock struct {
	mu   sync.Mutex
	gens map[ReplicaID]*Generator
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{gens: map[ReplicaID]*Generator{}, now: time.Now}
}

func NewClockWithTime(now func() time.Time) *Clock {
	return &Clock{gens: map[ReplicaID]*Generator{}, now: now}
}

func (c *Clock) Generator(replica ReplicaID) *Generator {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[replica]
	if !ok {
		g = NewGeneratorWithClock(replica, c.now)
		c.gens[replica] = g
	}
	return g
}

func (c *Clock) Next(replica ReplicaID) CSN {
	return c.Generator(replica).Next()
}
