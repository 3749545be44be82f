package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidCookieSyntax = errors.New("invalid cookie syntax")

// MultiDomainState is a consumer position across domains, serialized as the
// external changelog cookie.
type MultiDomainState map[string]ServerState

// ParseCookie parses "dom:csn csn;dom2:;". The empty string yields an empty
// state, which callers treat as the start of every domain.
func ParseCookie(cookie string) (MultiDomainState, error) {
	out := MultiDomainState{}
	if strings.TrimSpace(cookie) == "" {
		return out, nil
	}
	segments := strings.Split(cookie, ";")
	for i, seg := range segments {
		if seg == "" {
			if i == len(segments)-1 {
				break
			}
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidCookieSyntax, cookie)
		}
		idx := strings.LastIndexByte(seg, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: segment %q has no ':'", ErrInvalidCookieSyntax, seg)
		}
		name := strings.TrimSpace(seg[:idx])
		if name == "" {
			return nil, fmt.Errorf("%w: segment %q has no domain", ErrInvalidCookieSyntax, seg)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: domain %q listed twice", ErrInvalidCookieSyntax, name)
		}
		ss, err := ParseServerState(seg[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: domain %q: %v", ErrInvalidCookieSyntax, name, err)
		}
		out[name] = ss
	}
	return out, nil
}

func (m MultiDomainState) Domains() []string {
	out := make([]string, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// String renders one terminated segment per domain, domains sorted.
func (m MultiDomainState) String() string {
	var b strings.Builder
	for _, d := range m.Domains() {
		b.WriteString(Segment(d, m[d]))
	}
	return b.String()
}

// Segment renders a single "domain:csn csn;" cookie segment.
func Segment(domain string, s ServerState) string {
	return domain + ":" + s.String() + ";"
}

func (m MultiDomainState) Clone() MultiDomainState {
	out := make(MultiDomainState, len(m))
	for d, s := range m {
		out[d] = s.Clone()
	}
	return out
}

// Update advances the vector of domain d.
func (m MultiDomainState) Update(d string, s ServerState) {
	cur, ok := m[d]
	if !ok {
		cur = ServerState{}
		m[d] = cur
	}
	cur.Merge(s)
}

func (m MultiDomainState) Equal(o MultiDomainState) bool {
	if len(m) != len(o) {
		return false
	}
	for d, s := range m {
		os, ok := o[d]
		if !ok || !s.Equal(os) {
			return false
		}
	}
	return true
}
