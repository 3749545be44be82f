package storage

import (
	"fmt"

	"dirsync/internal/csn"
	"dirsync/internal/domain"

	"github.com/vmihailenco/msgpack/v5"
)

type changeRecord struct {
	Domain    string `msgpack:"d"`
	CSN       []byte `msgpack:"c"`
	Op        uint8  `msgpack:"o"`
	TargetDN  string `msgpack:"t"`
	EntryUUID string `msgpack:"u,omitempty"`
	Payload   []byte `msgpack:"p,omitempty"`
}

type draftRecord struct {
	Domain string `msgpack:"d"`
	CSN    []byte `msgpack:"c"`
}

// EncodeChange serializes a change for storage.
func EncodeChange(c domain.Change) ([]byte, error) {
	return msgpack.Marshal(&changeRecord{
		Domain:    c.Domain,
		CSN:       c.CSN.Bytes(),
		Op:        uint8(c.Op),
		TargetDN:  c.TargetDN,
		EntryUUID: c.EntryUUID,
		Payload:   c.Payload,
	})
}

func DecodeChange(b []byte) (domain.Change, error) {
	var rec changeRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return domain.Change{}, fmt.Errorf("decode change: %w", err)
	}
	c, err := csn.FromBytes(rec.CSN)
	if err != nil {
		return domain.Change{}, fmt.Errorf("decode change: %w", err)
	}
	return domain.Change{
		Domain:    rec.Domain,
		CSN:       c,
		Op:        domain.OpKind(rec.Op),
		TargetDN:  rec.TargetDN,
		EntryUUID: rec.EntryUUID,
		Payload:   rec.Payload,
	}, nil
}

func EncodeDraft(e domain.DraftEntry) ([]byte, error) {
	return msgpack.Marshal(&draftRecord{Domain: e.Domain, CSN: e.CSN.Bytes()})
}

func DecodeDraft(n int64, b []byte) (domain.DraftEntry, error) {
	var rec draftRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return domain.DraftEntry{}, fmt.Errorf("decode draft %d: %w", n, err)
	}
	c, err := csn.FromBytes(rec.CSN)
	if err != nil {
		return domain.DraftEntry{}, fmt.Errorf("decode draft %d: %w", n, err)
	}
	return domain.DraftEntry{Number: n, Domain: rec.Domain, CSN: c}, nil
}
