package domain

import (
	"fmt"
	"strings"

	"dirsync/internal/csn"
)

type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpDelete
	OpModify
	OpModDN
)

func (o OpKind) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpModDN:
		return "modrdn"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o OpKind) Valid() bool { return o >= OpAdd && o <= OpModDN }

func ParseOpKind(s string) (OpKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return OpAdd, nil
	case "delete":
		return OpDelete, nil
	case "modify":
		return OpModify, nil
	case "modrdn", "moddn", "rename":
		return OpModDN, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// GenerationID marks one version of a domain's dataset.
type GenerationID int64

// Change is one replicated mutation. It is immutable once appended.
type Change struct {
	Domain    string
	CSN       csn.CSN
	Op        OpKind
	TargetDN  string
	EntryUUID string
	Payload   []byte
}

// DraftEntry binds a draft change number to the change it names.
type DraftEntry struct {
	Number int64
	Domain string
	CSN    csn.CSN
}

// ReplicaStatus is the status a broker peer announces.
type ReplicaStatus uint8

const (
	StatusNormal ReplicaStatus = iota + 1
	StatusDegraded
	StatusFullUpdate
	StatusBadGeneration
)

func (s ReplicaStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDegraded:
		return "degraded"
	case StatusFullUpdate:
		return "full_update"
	case StatusBadGeneration:
		return "bad_generation_id"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}
