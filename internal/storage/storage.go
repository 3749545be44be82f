package storage

import (
	"context"
	"errors"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Log is the durable, CSN-keyed record log of one domain. Records are only
// appended or purged from the head, never updated.
type Log interface {
	Append(ctx context.Context, change domain.Change) error
	// Read returns up to limit records ordered by CSN, starting at from
	// (inclusive) or just after it.
	Read(ctx context.Context, from csn.CSN, inclusive bool, limit int) ([]domain.Change, error)
	// ReadReplica returns up to limit records of one replica with CSN > after.
	ReadReplica(ctx context.Context, replica csn.ReplicaID, after csn.CSN, limit int) ([]domain.Change, error)
	Get(ctx context.Context, c csn.CSN) (domain.Change, bool, error)
	// LastBefore returns the newest CSN of replica strictly below before.
	LastBefore(ctx context.Context, replica csn.ReplicaID, before csn.CSN) (csn.CSN, bool, error)
	// LastPerReplica returns the newest retained CSN of every replica.
	LastPerReplica(ctx context.Context) (map[csn.ReplicaID]csn.CSN, error)
	// PurgeBefore deletes every record with a CSN strictly below boundary.
	PurgeBefore(ctx context.Context, boundary csn.CSN) (int, error)
	// Count counts records of one replica with after < CSN <= upTo.
	Count(ctx context.Context, replica csn.ReplicaID, after, upTo csn.CSN) (int, error)
	Meta(ctx context.Context) (map[string]string, error)
	SetMeta(ctx context.Context, kv map[string]string) error
	Close() error
}

// Backend opens per-domain logs.
type Backend interface {
	OpenLog(ctx context.Context, domainName string) (Log, error)
	Close() error
}

// DraftIndex maps draft change numbers to (domain, CSN) and back.
type DraftIndex interface {
	// Assign stores entries together with the numbering position reached
	// after them, in one atomic write.
	Assign(ctx context.Context, entries []domain.DraftEntry, position string) error
	Position(ctx context.Context) (string, error)
	// LastAssigned is the highest number ever handed out, even if purged.
	LastAssigned(ctx context.Context) (int64, error)
	Get(ctx context.Context, n int64) (domain.DraftEntry, bool, error)
	Lookup(ctx context.Context, domainName string, c csn.CSN) (int64, bool, error)
	First(ctx context.Context) (domain.DraftEntry, bool, error)
	Last(ctx context.Context) (domain.DraftEntry, bool, error)
	// Scan returns up to limit entries with number >= from, ascending.
	Scan(ctx context.Context, from int64, limit int) ([]domain.DraftEntry, error)
	// DeleteThrough removes every entry numbered <= n.
	DeleteThrough(ctx context.Context, n int64) (int, error)
	Close() error
}

// Meta keys persisted next to each domain log.
const (
	MetaDBState    = "db_state"
	MetaStartState = "start_state"
	MetaBoundary   = "retention_boundary"
	MetaGeneration = "generation_id"
)
