package state

import (
	"fmt"
	"sort"
	"strings"

	"dirsync/internal/csn"
)

// ServerState maps each replica to the latest CSN known from it within one
// domain. Entries only move forward.
type ServerState map[csn.ReplicaID]csn.CSN

func NewServerState(csns ...csn.CSN) ServerState {
	s := ServerState{}
	for _, c := range csns {
		s.Update(c)
	}
	return s
}

// Update advances the entry for c's replica when c is newer. It reports
// whether the vector changed.
func (s ServerState) Update(c csn.CSN) bool {
	if cur, ok := s[c.Replica]; ok && !cur.Less(c) {
		return false
	}
	s[c.Replica] = c
	return true
}

// Covers reports whether c, or something newer from the same replica, has been seen.
func (s ServerState) Covers(c csn.CSN) bool {
	cur, ok := s[c.Replica]
	return ok && !cur.Less(c)
}

// CoversState reports whether every entry of o is covered.
func (s ServerState) CoversState(o ServerState) bool {
	for _, c := range o {
		if !s.Covers(c) {
			return false
		}
	}
	return true
}

// Merge takes the pointwise maximum with o.
func (s ServerState) Merge(o ServerState) {
	for _, c := range o {
		s.Update(c)
	}
}

func (s ServerState) Get(r csn.ReplicaID) (csn.CSN, bool) {
	c, ok := s[r]
	return c, ok
}

func (s ServerState) Clone() ServerState {
	out := make(ServerState, len(s))
	for r, c := range s {
		out[r] = c
	}
	return out
}

func (s ServerState) IsEmpty() bool { return len(s) == 0 }

// CSNs returns the entries ordered by replica id.
func (s ServerState) CSNs() []csn.CSN {
	out := make([]csn.CSN, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Replica < out[j].Replica })
	return out
}

// Oldest returns the smallest CSN in the vector.
func (s ServerState) Oldest() (csn.CSN, bool) {
	var out csn.CSN
	found := false
	for _, c := range s {
		if !found || c.Less(out) {
			out, found = c, true
		}
	}
	return out, found
}

func (s ServerState) Equal(o ServerState) bool {
	if len(s) != len(o) {
		return false
	}
	for r, c := range s {
		if oc, ok := o[r]; !ok || oc != c {
			return false
		}
	}
	return true
}

// String renders the canonical CSNs separated by single spaces.
func (s ServerState) String() string {
	csns := s.CSNs()
	parts := make([]string, len(csns))
	for i, c := range csns {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

func ParseServerState(in string) (ServerState, error) {
	s := ServerState{}
	for _, field := range strings.Fields(in) {
		c, err := csn.Parse(field)
		if err != nil {
			return nil, err
		}
		if _, dup := s[c.Replica]; dup {
			return nil, fmt.Errorf("replica %d listed twice", c.Replica)
		}
		s[c.Replica] = c
	}
	return s, nil
}
