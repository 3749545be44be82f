package dnroute

import (
	"fmt"
	"sort"
	"sync"
)

// Router maps entry DNs to the replicated domain holding them. The most
// specific base DN wins when domains nest.
type Router struct {
	mu    sync.RWMutex
	bases map[string]string // canonical base DN -> configured name
	order []string          // canonical bases, longest first
}

func NewRouter(baseDNs ...string) (*Router, error) {
	r := &Router{bases: make(map[string]string)}
	for _, b := range baseDNs {
		if err := r.Add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) Add(baseDN string) error {
	c := CanonicalizeDN(baseDN)
	if c == "" {
		return fmt.Errorf("empty base DN")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bases[c]; ok {
		return fmt.Errorf("base DN %q already routed as %q", baseDN, existing)
	}
	r.bases[c] = baseDN
	r.order = append(r.order, c)
	sort.SliceStable(r.order, func(i, j int) bool { return len(r.order[i]) > len(r.order[j]) })
	return nil
}

func (r *Router) Remove(baseDN string) {
	c := CanonicalizeDN(baseDN)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bases[c]; !ok {
		return
	}
	delete(r.bases, c)
	for i, b := range r.order {
		if b == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Route returns the configured name of the domain holding dn.
func (r *Router) Route(dn string) (string, bool) {
	c := CanonicalizeDN(dn)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.order {
		if IsSuffix(c, b) {
			return r.bases[b], true
		}
	}
	return "", false
}

func (r *Router) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bases))
	for _, name := range r.bases {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
