package csn

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ReplicaID identifies one replica of a domain.
type ReplicaID uint16

// Size is the length of the binary form.
const Size = 14

// StringSize is the length of the canonical string form.
const StringSize = 28

// CSN is a change sequence number. The zero value sorts before every CSN
// a generator can emit.
type CSN struct {
	Time    int64 // unix milliseconds
	Seq     uint32
	Replica ReplicaID
}

func New(t time.Time, seq uint32, replica ReplicaID) CSN {
	return CSN{Time: t.UnixMilli(), Seq: seq, Replica: replica}
}

// AtTime returns the smallest CSN carrying timestamp t.
func AtTime(t time.Time) CSN {
	return CSN{Time: t.UnixMilli()}
}

// Compare orders by timestamp, then replica id, then sequence.
func Compare(a, b CSN) int {
	switch {
	case a.Time < b.Time:
		return -1
	case a.Time > b.Time:
		return 1
	case a.Replica < b.Replica:
		return -1
	case a.Replica > b.Replica:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

func (c CSN) Less(o CSN) bool  { return Compare(c, o) < 0 }
func (c CSN) After(o CSN) bool { return Compare(c, o) > 0 }
func (c CSN) IsZero() bool     { return c == CSN{} }

func (c CSN) Timestamp() time.Time { return time.UnixMilli(c.Time).UTC() }

// Bytes returns the 14-byte big-endian form; bytewise order equals Compare.
func (c CSN) Bytes() []byte {
	b := make([]byte, Size)
	c.Put(b)
	return b
}

func (c CSN) Put(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], uint64(c.Time))
	binary.BigEndian.PutUint16(b[8:10], uint16(c.Replica))
	binary.BigEndian.PutUint32(b[10:14], c.Seq)
}

func FromBytes(b []byte) (CSN, error) {
	if len(b) != Size {
		return CSN{}, fmt.Errorf("csn: binary form must be %d bytes, got %d", Size, len(b))
	}
	return CSN{
		Time:    int64(binary.BigEndian.Uint64(b[0:8])),
		Replica: ReplicaID(binary.BigEndian.Uint16(b[8:10])),
		Seq:     binary.BigEndian.Uint32(b[10:14]),
	}, nil
}

// String renders time, replica and sequence as fixed-width lowercase hex.
func (c CSN) String() string {
	return fmt.Sprintf("%016x%04x%08x", uint64(c.Time), uint16(c.Replica), c.Seq)
}

func Parse(s string) (CSN, error) {
	if len(s) != StringSize {
		return CSN{}, fmt.Errorf("csn: %q: expected %d hex characters", s, StringSize)
	}
	t, err := strconv.ParseUint(s[0:16], 16, 64)
	if err != nil {
		return CSN{}, fmt.Errorf("csn: %q: time: %w", s, err)
	}
	r, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("csn: %q: replica: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[20:28], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("csn: %q: seq: %w", s, err)
	}
	return CSN{Time: int64(t), Replica: ReplicaID(r), Seq: uint32(seq)}, nil
}

func MustParse(s string) CSN {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Max returns the greater of a and b.
func Max(a, b CSN) CSN {
	if a.Less(b) {
		return b
	}
	return a
}

// Prev returns the greatest CSN sorting before c. The zero CSN is returned
// unchanged.
func (c CSN) Prev() CSN {
	switch {
	case c.IsZero():
	case c.Seq > 0:
		c.Seq--
	case c.Replica > 0:
		c.Replica--
		c.Seq = math.MaxUint32
	default:
		c.Time--
		c.Replica = math.MaxUint16
		c.Seq = math.MaxUint32
	}
	return c
}

// LatestOf returns the greatest CSN of replica r that does not sort after
// bound.
func LatestOf(r ReplicaID, bound CSN) CSN {
	switch {
	case bound.Replica == r:
		return bound
	case bound.Replica > r:
		return CSN{Time: bound.Time, Replica: r, Seq: math.MaxUint32}
	}
	return CSN{Time: bound.Time - 1, Replica: r, Seq: math.MaxUint32}
}
