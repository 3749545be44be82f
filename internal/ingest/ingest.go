// Package ingest turns locally originated changes published on a message
// source into changelog records: the target DN picks the domain and the
// local replica stamps the CSN.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/dnroute"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"
)

var (
	ErrDuplicate  = errors.New("change already recorded")
	ErrUnroutable = errors.New("target DN is outside every replicated domain")
	ErrInvalid    = errors.New("invalid change envelope")
)

// Envelope is the JSON form of one change on the wire. CSN is set only when
// the publisher replays a change that was already stamped.
type Envelope struct {
	Op        string          `json:"op"`
	TargetDN  string          `json:"target_dn"`
	EntryUUID string          `json:"entry_uuid"`
	CSN       string          `json:"csn,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// ParseEnvelope decodes and validates one JSON envelope.
func ParseEnvelope(b []byte) (Envelope, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return Envelope{}, err
	}
	return env, env.Validate()
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.TargetDN) == "" {
		return fmt.Errorf("%w: target_dn is required", ErrInvalid)
	}
	if _, err := domain.ParseOpKind(e.Op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

type Domains interface {
	Domain(name string) (*changelog.Domain, bool)
}

// Sink appends envelopes to the domain owning their target DN.
type Sink struct {
	router  *dnroute.Router
	domains Domains
	gen     *csn.Generator

	// stamping and appending happen under one lock so CSNs reach each
	// domain in the order they were generated
	mu sync.Mutex
}

func NewSink(router *dnroute.Router, domains Domains, gen *csn.Generator) *Sink {
	return &Sink{router: router, domains: domains, gen: gen}
}

// Apply records env and returns the stored change. A replayed envelope whose
// CSN the domain already covers yields ErrDuplicate.
func (s *Sink) Apply(ctx context.Context, source string, env Envelope) (domain.Change, error) {
	ch, err := s.apply(ctx, env)
	outcome := "appended"
	switch {
	case errors.Is(err, ErrDuplicate):
		outcome = "duplicate"
	case err != nil:
		outcome = "rejected"
	}
	metrics.IngestedChanges.WithLabelValues(source, outcome).Inc()
	return ch, err
}

func (s *Sink) apply(ctx context.Context, env Envelope) (domain.Change, error) {
	op, err := domain.ParseOpKind(env.Op)
	if err != nil {
		return domain.Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	name, ok := s.router.Route(env.TargetDN)
	if !ok {
		return domain.Change{}, fmt.Errorf("%w: %s", ErrUnroutable, env.TargetDN)
	}
	d, ok := s.domains.Domain(name)
	if !ok {
		return domain.Change{}, fmt.Errorf("%w: domain %s not open", ErrUnroutable, name)
	}
	ch := domain.Change{
		Domain:    name,
		Op:        op,
		TargetDN:  env.TargetDN,
		EntryUUID: env.EntryUUID,
		Payload:   append([]byte(nil), env.Changes...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if env.CSN != "" {
		if ch.CSN, err = csn.Parse(env.CSN); err != nil {
			return domain.Change{}, fmt.Errorf("%w: csn: %v", ErrInvalid, err)
		}
		release := d.Reserve(ch.CSN)
		defer release()
		s.gen.Observe(ch.CSN)
	} else {
		// the reservation has to be in place before the CSN exists
		release := d.Reserve(s.gen.Floor())
		defer release()
		ch.CSN = s.gen.Next()
	}
	appended, err := d.AppendIfNew(ctx, ch)
	if err != nil {
		return domain.Change{}, err
	}
	if !appended {
		return ch, ErrDuplicate
	}
	return ch, nil
}

// Permanent reports whether redelivering the same message can never succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrUnroutable) || errors.Is(err, ErrDuplicate)
}
