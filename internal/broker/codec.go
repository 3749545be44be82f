package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/state"
)

var (
	// ErrProtocol marks malformed or out-of-sequence traffic. It always
	// terminates the session.
	ErrProtocol = errors.New("broker: protocol error")
	// ErrGenerationMismatch is returned when a peer whose dataset
	// generation differs from the domain's sends updates.
	ErrGenerationMismatch = errors.New("broker: generation id mismatch")
)

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

type encoder struct {
	b   []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }

func (e *encoder) str(s string) {
	if len(s) > math.MaxUint16 {
		e.err = protocolError("string of %d bytes", len(s))
		return
	}
	e.u16(uint16(len(s)))
	e.b = append(e.b, s...)
}

func (e *encoder) bytes(p []byte) {
	e.u32(uint32(len(p)))
	e.b = append(e.b, p...)
}

func (e *encoder) csn(c csn.CSN) {
	var buf [csn.Size]byte
	c.Put(buf[:])
	e.b = append(e.b, buf[:]...)
}

func (e *encoder) state(s state.ServerState) {
	csns := s.CSNs()
	if len(csns) > math.MaxUint16 {
		e.err = protocolError("state of %d replicas", len(csns))
		return
	}
	e.u16(uint16(len(csns)))
	for _, c := range csns {
		e.csn(c)
	}
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = protocolError("truncated message")
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) str() string { return string(d.take(int(d.u16()))) }

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err == nil && uint64(n) > uint64(len(d.b)) {
		d.err = protocolError("byte block of %d bytes exceeds message", n)
		return nil
	}
	p := d.take(int(n))
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}

func (d *decoder) csn() csn.CSN {
	p := d.take(csn.Size)
	if p == nil {
		return csn.CSN{}
	}
	c, _ := csn.FromBytes(p)
	return c
}

func (d *decoder) state() state.ServerState {
	n := int(d.u16())
	s := state.ServerState{}
	for i := 0; i < n && d.err == nil; i++ {
		c := d.csn()
		if _, dup := s[c.Replica]; dup {
			d.err = protocolError("replica %d listed twice", c.Replica)
			return nil
		}
		s[c.Replica] = c
	}
	return s
}

func (d *decoder) status() domain.ReplicaStatus {
	s := domain.ReplicaStatus(d.u8())
	if d.err == nil && (s < domain.StatusNormal || s > domain.StatusBadGeneration) {
		d.err = protocolError("unknown status %d", uint8(s))
	}
	return s
}

// Marshal encodes m with its kind tag in the first byte.
func Marshal(m Message) ([]byte, error) {
	e := &encoder{b: make([]byte, 0, 64)}
	e.u8(uint8(m.Kind()))
	switch v := m.(type) {
	case Start:
		e.u16(v.Version)
		e.u16(uint16(v.Replica))
		e.str(v.Domain)
		e.u64(uint64(v.Generation))
		e.u32(v.Window)
		e.u32(uint32(v.HeartbeatInterval / time.Millisecond))
		e.u8(uint8(v.Status))
		e.state(v.State)
	case Update:
		ch := v.Change
		e.str(ch.Domain)
		e.csn(ch.CSN)
		e.u8(uint8(ch.Op))
		e.str(ch.TargetDN)
		e.str(ch.EntryUUID)
		e.bytes(ch.Payload)
	case Heartbeat:
		e.csn(v.ChangeTime)
	case StatusChange:
		e.u8(uint8(v.Status))
	case Window:
		e.u32(v.Credit)
	case Error:
		e.str(v.TaskID)
		e.str(v.Message)
	case Done:
		e.str(v.TaskID)
		e.u64(v.Count)
	case InitializeRequest:
		e.str(v.TaskID)
		e.u16(uint16(v.Requester))
	case InitializeTarget:
		e.str(v.TaskID)
		e.u64(v.Total)
		e.u64(uint64(v.Generation))
		e.u16(uint16(v.Source))
	case Entry:
		e.str(v.TaskID)
		e.u64(v.Seq)
		e.bytes(v.Data)
	default:
		return nil, fmt.Errorf("broker: cannot marshal %T", m)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.b, nil
}

// Unmarshal decodes one message. Trailing bytes are a protocol error.
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, protocolError("empty message")
	}
	d := &decoder{b: b[1:]}
	var m Message
	switch Kind(b[0]) {
	case KindStart:
		v := Start{}
		v.Version = d.u16()
		v.Replica = csn.ReplicaID(d.u16())
		v.Domain = d.str()
		v.Generation = domain.GenerationID(d.u64())
		v.Window = d.u32()
		v.HeartbeatInterval = time.Duration(d.u32()) * time.Millisecond
		v.Status = d.status()
		v.State = d.state()
		m = v
	case KindUpdate:
		ch := domain.Change{}
		ch.Domain = d.str()
		ch.CSN = d.csn()
		ch.Op = domain.OpKind(d.u8())
		ch.TargetDN = d.str()
		ch.EntryUUID = d.str()
		ch.Payload = d.bytes()
		if d.err == nil && !ch.Op.Valid() {
			d.err = protocolError("unknown operation %d", uint8(ch.Op))
		}
		m = Update{Change: ch}
	case KindHeartbeat:
		m = Heartbeat{ChangeTime: d.csn()}
	case KindStatusChange:
		m = StatusChange{Status: d.status()}
	case KindWindow:
		m = Window{Credit: d.u32()}
	case KindError:
		m = Error{TaskID: d.str(), Message: d.str()}
	case KindDone:
		m = Done{TaskID: d.str(), Count: d.u64()}
	case KindInitializeRequest:
		m = InitializeRequest{TaskID: d.str(), Requester: csn.ReplicaID(d.u16())}
	case KindInitializeTarget:
		v := InitializeTarget{}
		v.TaskID = d.str()
		v.Total = d.u64()
		v.Generation = domain.GenerationID(d.u64())
		v.Source = csn.ReplicaID(d.u16())
		m = v
	case KindEntry:
		m = Entry{TaskID: d.str(), Seq: d.u64(), Data: d.bytes()}
	default:
		return nil, protocolError("unknown message kind %d", b[0])
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.b) != 0 {
		return nil, protocolError("%d trailing bytes after %s", len(d.b), Kind(b[0]))
	}
	return m, nil
}
