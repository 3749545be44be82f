// Package broker implements the replication session protocol spoken between
// replicas and the changelog server: a handshake, credit-controlled update
// streaming, heartbeats, status changes and the bulk initialization
// envelope.
package broker

import (
	"fmt"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/state"
)

const ProtocolVersion uint16 = 1

type Kind uint8

const (
	KindStart Kind = iota + 1
	KindUpdate
	KindHeartbeat
	KindStatusChange
	KindWindow
	KindError
	KindDone
	KindInitializeRequest
	KindInitializeTarget
	KindEntry
)

var kindNames = map[Kind]string{
	KindStart:             "start",
	KindUpdate:            "update",
	KindHeartbeat:         "heartbeat",
	KindStatusChange:      "status_change",
	KindWindow:            "window",
	KindError:             "error",
	KindDone:              "done",
	KindInitializeRequest: "initialize_request",
	KindInitializeTarget:  "initialize_target",
	KindEntry:             "entry",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is any broker protocol message.
type Message interface {
	Kind() Kind
}

// Start opens a session. Each side sends one, the connecting side first.
type Start struct {
	Version    uint16
	Replica    csn.ReplicaID
	Domain     string
	Generation domain.GenerationID
	// Window is the number of updates the sender accepts before it
	// returns credit.
	Window            uint32
	HeartbeatInterval time.Duration
	Status            domain.ReplicaStatus
	State             state.ServerState
}

type Update struct {
	Change domain.Change
}

// Heartbeat promises that the sender's replica has no record older than
// ChangeTime left to send. A zero ChangeTime only signals liveness.
type Heartbeat struct {
	ChangeTime csn.CSN
}

type StatusChange struct {
	Status domain.ReplicaStatus
}

// Window returns credit for Credit consumed updates.
type Window struct {
	Credit uint32
}

type Error struct {
	TaskID  string
	Message string
}

type Done struct {
	TaskID string
	Count  uint64
}

type InitializeRequest struct {
	TaskID    string
	Requester csn.ReplicaID
}

type InitializeTarget struct {
	TaskID     string
	Total      uint64
	Generation domain.GenerationID
	Source     csn.ReplicaID
}

// Entry carries one opaque exported entry; Seq starts at 1.
type Entry struct {
	TaskID string
	Seq    uint64
	Data   []byte
}

func (Start) Kind() Kind             { return KindStart }
func (Update) Kind() Kind            { return KindUpdate }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (StatusChange) Kind() Kind      { return KindStatusChange }
func (Window) Kind() Kind            { return KindWindow }
func (Error) Kind() Kind             { return KindError }
func (Done) Kind() Kind              { return KindDone }
func (InitializeRequest) Kind() Kind { return KindInitializeRequest }
func (InitializeTarget) Kind() Kind  { return KindInitializeTarget }
func (Entry) Kind() Kind             { return KindEntry }
