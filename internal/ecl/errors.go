package ecl

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange = errors.New("invalid draft change number range")
	ErrClosed       = errors.New("external changelog closed")
)

// UnwillingError rejects a cookie naming a domain this server does not
// replicate.
type UnwillingError struct {
	Domain string
}

func (e *UnwillingError) Error() string {
	return fmt.Sprintf("unwilling: unknown domain %q in cookie", e.Domain)
}

type ResyncReason int

const (
	ReasonMissingDomain ResyncReason = iota + 1
	ReasonTooOld
)

func (r ResyncReason) String() string {
	switch r {
	case ReasonMissingDomain:
		return "missing domain"
	case ReasonTooOld:
		return "too old"
	}
	return "unknown"
}

// ResyncError tells the consumer its cookie cannot be resumed and it must
// fully resynchronize. Expected carries the segment to add for a missing
// domain.
type ResyncError struct {
	Reason   ResyncReason
	Domain   string
	Expected string
}

func (e *ResyncError) Error() string {
	if e.Reason == ReasonMissingDomain {
		return fmt.Sprintf("resync required: cookie is missing domain %s, expected %s", e.Domain, e.Expected)
	}
	return fmt.Sprintf("resync required: cookie %s for domain %s", e.Reason, e.Domain)
}
