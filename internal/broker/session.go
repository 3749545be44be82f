package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/metrics"
	"dirsync/internal/wire"

	"github.com/google/uuid"
)

var (
	ErrSessionClosed = errors.New("broker: session closed")
	// ErrReinitialized ends a session after its domain was replaced by a
	// bulk initialization; the replica reconnects with its new state.
	ErrReinitialized = errors.New("broker: domain reinitialized, session must restart")
)

const drainTimeout = time.Second

// InitHandler receives the bulk initialization traffic of a session. It runs
// on the session's read goroutine; a returned error ends the session.
type InitHandler interface {
	HandleInit(ctx context.Context, s *Session, m Message) error
}

type Config struct {
	// Replica is the local replica id announced in Start.
	Replica           csn.ReplicaID
	Window            uint32
	HeartbeatInterval time.Duration
	// Timeout is how long the peer may stay silent. It is raised to twice
	// the peer's heartbeat interval when that is larger.
	Timeout time.Duration
	Status  domain.ReplicaStatus
	// Generator, when set, observes every received CSN.
	Generator *csn.Generator
	Init      InitHandler
	Logger    *slog.Logger
	Now       func() time.Time
}

func (c *Config) withDefaults() {
	if c.Window == 0 {
		c.Window = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Status == 0 {
		c.Status = domain.StatusNormal
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) start(d *changelog.Domain) Start {
	return Start{
		Version:           ProtocolVersion,
		Replica:           c.Replica,
		Domain:            d.Name(),
		Generation:        d.Generation(),
		Window:            c.Window,
		HeartbeatInterval: c.HeartbeatInterval,
		Status:            c.Status,
		State:             d.DBState(),
	}
}

// Session is one established broker connection bound to a single domain.
// It streams the domain's records to the peer and appends the peer's
// updates, each direction under the receiver's credit window.
type Session struct {
	id      string
	conn    net.Conn
	r       *bufio.Reader
	dom     *changelog.Domain
	cfg     Config
	peer    Start
	timeout time.Duration
	log     *slog.Logger

	out chan Message
	// ctrl wakes the writer to flush pendingCredit ahead of queued
	// traffic, so the read goroutine never blocks on the writer.
	ctrl          chan struct{}
	pendingCredit atomic.Uint32

	creditMu  sync.Mutex
	credit    uint32
	creditSig chan struct{}

	// inbound holds received updates until they are appended; its
	// capacity is the advertised window.
	inbound chan domain.Change

	peerStatus  atomic.Uint32
	localStatus atomic.Uint32
	statusSig   chan struct{}
	// safe is the newest local CSN at or below which every local record
	// has been queued for the peer.
	safe atomic.Pointer[csn.CSN]
	// applying counts received updates not yet appended; a heartbeat from
	// the peer waits in heldBeat until it drops to zero.
	applying atomic.Int64
	heldBeat atomic.Pointer[csn.CSN]

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

func newSession(conn net.Conn, r *bufio.Reader, dom *changelog.Domain, cfg Config, peer Start) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	timeout := cfg.Timeout
	if t := 2 * peer.HeartbeatInterval; t > timeout {
		timeout = t
	}
	s := &Session{
		id:        id.String(),
		conn:      conn,
		r:         r,
		dom:       dom,
		cfg:       cfg,
		peer:      peer,
		timeout:   timeout,
		out:       make(chan Message, 64),
		ctrl:      make(chan struct{}, 1),
		inbound:   make(chan domain.Change, cfg.Window),
		credit:    peer.Window,
		creditSig: make(chan struct{}, 1),
		statusSig: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.log = cfg.Logger.With("session", s.id, "domain", dom.Name(), "peer", uint16(peer.Replica))
	s.peerStatus.Store(uint32(peer.Status))
	s.localStatus.Store(uint32(cfg.Status))
	return s
}

func (s *Session) run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	metrics.BrokerSessions.Inc()
	if !s.GenerationMatches() {
		s.log.Warn("generation id mismatch, updates refused",
			"local", int64(s.dom.Generation()), "remote", int64(s.peer.Generation))
	}
	s.log.Info("broker session established", "window", s.peer.Window, "status", s.PeerStatus())
	s.wg.Add(5)
	go func() { defer s.wg.Done(); s.writeLoop() }()
	go func() { defer s.wg.Done(); s.readLoop(ctx) }()
	go func() { defer s.wg.Done(); s.applyLoop(ctx) }()
	go func() { defer s.wg.Done(); s.streamLoop(ctx) }()
	go func() { defer s.wg.Done(); s.heartbeatLoop() }()
	go func() {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
		case <-s.dom.Done():
			s.fail(changelog.ErrClosed)
		case <-s.done:
		}
	}()
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Replica() csn.ReplicaID    { return s.cfg.Replica }
func (s *Session) Peer() Start               { return s.peer }
func (s *Session) Domain() *changelog.Domain { return s.dom }
func (s *Session) Done() <-chan struct{}     { return s.done }

func (s *Session) PeerStatus() domain.ReplicaStatus {
	return domain.ReplicaStatus(s.peerStatus.Load())
}

func (s *Session) LocalStatus() domain.ReplicaStatus {
	return domain.ReplicaStatus(s.localStatus.Load())
}

// GenerationMatches reports whether normal update flow is allowed.
func (s *Session) GenerationMatches() bool {
	return s.peer.Generation == s.dom.Generation()
}

// Err is the reason the session ended; nil while it runs or after a
// local Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until every session goroutine has exited.
func (s *Session) Wait() error {
	<-s.done
	s.wg.Wait()
	return s.err
}

func (s *Session) Close() error {
	s.fail(nil)
	s.wg.Wait()
	return nil
}

// Send queues m for the peer. It blocks while the outbound queue is full.
func (s *Session) Send(ctx context.Context, m Message) error {
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStatus announces a new local status to the peer.
func (s *Session) SetStatus(ctx context.Context, st domain.ReplicaStatus) error {
	s.localStatus.Store(uint32(st))
	return s.Send(ctx, StatusChange{Status: st})
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.SetReadDeadline(time.Now())
		_ = s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
		metrics.BrokerSessions.Dec()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrReinitialized) {
			s.log.Warn("broker session terminated", "err", err)
		} else {
			s.log.Info("broker session closed")
		}
	})
}

// abort tells the peer why the session ends before tearing it down.
func (s *Session) abort(err error) {
	if errors.Is(err, ErrProtocol) || errors.Is(err, ErrGenerationMismatch) || errors.Is(err, changelog.ErrTrimmed) {
		select {
		case s.out <- Error{Message: err.Error()}:
		default:
		}
	}
	s.fail(err)
}

func (s *Session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	defer s.conn.Close()
	for {
		select {
		case <-s.ctrl:
			if n := s.pendingCredit.Swap(0); n > 0 {
				if err := s.write(w, Window{Credit: n}); err != nil {
					s.fail(fmt.Errorf("write window: %w", err))
				}
			}
		case m := <-s.out:
			if err := s.write(w, m); err != nil {
				s.fail(fmt.Errorf("write %s: %w", m.Kind(), err))
			}
		case <-s.done:
			for {
				select {
				case m := <-s.out:
					if s.write(w, m) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(w *bufio.Writer, m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(w, payload); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	metrics.BrokerMessages.WithLabelValues("out", m.Kind().String()).Inc()
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		select {
		case <-s.done:
			return
		default:
		}
		frame, err := wire.ReadFrame(s.r)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = fmt.Errorf("broker: peer silent for %s: %w", s.timeout, err)
			} else if errors.Is(err, wire.ErrEmptyFrame) || errors.Is(err, wire.ErrFrameTooLarge) {
				err = fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			s.abort(err)
			return
		}
		m, err := Unmarshal(frame)
		if err != nil {
			s.abort(err)
			return
		}
		metrics.BrokerMessages.WithLabelValues("in", m.Kind().String()).Inc()
		if err := s.handle(ctx, m); err != nil {
			s.abort(err)
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, m Message) error {
	switch v := m.(type) {
	case Update:
		return s.receiveUpdate(v.Change)
	case Heartbeat:
		c := v.ChangeTime
		if held := s.heldBeat.Load(); held != nil && c.Less(*held) {
			c = *held
		}
		s.heldBeat.Store(&c)
		if s.applying.Load() == 0 {
			s.flushHeartbeat()
		}
		return nil
	case StatusChange:
		s.peerStatus.Store(uint32(v.Status))
		s.log.Info("peer status changed", "status", v.Status)
		notify(s.statusSig)
		return nil
	case Window:
		return s.returnCredit(v.Credit)
	case Error:
		if v.TaskID != "" && s.cfg.Init != nil {
			return s.cfg.Init.HandleInit(ctx, s, v)
		}
		s.log.Warn("peer reported error", "message", v.Message)
		return nil
	case Done, InitializeRequest, InitializeTarget, Entry:
		if s.cfg.Init == nil {
			return protocolError("%s received but initialization is not served", m.Kind())
		}
		return s.cfg.Init.HandleInit(ctx, s, m)
	case Start:
		return protocolError("duplicate start")
	}
	return protocolError("unexpected %s", m.Kind())
}

func (s *Session) receiveUpdate(ch domain.Change) error {
	if !s.GenerationMatches() {
		return fmt.Errorf("%w: peer %d has %d, %s has %d", ErrGenerationMismatch,
			s.peer.Replica, s.peer.Generation, s.dom.Name(), s.dom.Generation())
	}
	if ch.Domain != "" && ch.Domain != s.dom.Name() {
		return protocolError("update for %q on a %q session", ch.Domain, s.dom.Name())
	}
	ch.Domain = s.dom.Name()
	s.applying.Add(1)
	select {
	case s.inbound <- ch:
		return nil
	default:
		s.applying.Add(-1)
		return protocolError("peer exceeded window of %d updates", s.cfg.Window)
	}
}

// flushHeartbeat hands the peer's latest heartbeat to the domain. It runs
// only once every update received before that heartbeat is appended.
func (s *Session) flushHeartbeat() {
	if c := s.heldBeat.Swap(nil); c != nil {
		s.dom.Heartbeat(s.peer.Replica, *c)
	}
}

// applyLoop appends received updates and hands credit back every half
// window.
func (s *Session) applyLoop(ctx context.Context) {
	threshold := max(s.cfg.Window/2, 1)
	var consumed uint32
	for {
		var ch domain.Change
		select {
		case ch = <-s.inbound:
		case <-ctx.Done():
			return
		}
		if s.cfg.Generator != nil {
			s.cfg.Generator.Observe(ch.CSN)
		}
		if _, err := s.dom.AppendIfNew(ctx, ch); err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("apply %s: %w", ch.CSN, err))
			}
			return
		}
		if s.applying.Add(-1) == 0 {
			s.flushHeartbeat()
		}
		consumed++
		if consumed >= threshold {
			s.pendingCredit.Add(consumed)
			consumed = 0
			notify(s.ctrl)
		}
	}
}

func (s *Session) returnCredit(n uint32) error {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	if uint64(s.credit)+uint64(n) > uint64(s.peer.Window) {
		return protocolError("credit %d above window %d", uint64(s.credit)+uint64(n), s.peer.Window)
	}
	s.credit += n
	notify(s.creditSig)
	return nil
}

func (s *Session) acquireCredit(ctx context.Context) error {
	for {
		s.creditMu.Lock()
		if s.credit > 0 {
			s.credit--
			s.creditMu.Unlock()
			return nil
		}
		s.creditMu.Unlock()
		select {
		case <-s.creditSig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamLoop sends every record the peer's state does not cover, except the
// peer's own, pausing while the peer is being fully initialized.
func (s *Session) streamLoop(ctx context.Context) {
	if !s.GenerationMatches() {
		return
	}
	sub, release := s.dom.Subscribe()
	defer release()
	cur, err := s.dom.Since(ctx, s.peer.State)
	if err != nil {
		s.abort(fmt.Errorf("peer state unavailable, full initialization required: %w", err))
		return
	}
	for {
		if s.PeerStatus() == domain.StatusFullUpdate {
			select {
			case <-s.statusSig:
				continue
			case <-ctx.Done():
				return
			}
		}
		floor := csn.LatestOf(s.cfg.Replica, s.dom.LocalFloor(s.cfg.Now()))
		ch, ok, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.abort(err)
			return
		}
		if !ok {
			s.safe.Store(&floor)
			select {
			case <-sub:
			case <-s.statusSig:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ch.CSN.Replica == s.peer.Replica {
			continue
		}
		if err := s.acquireCredit(ctx); err != nil {
			return
		}
		if err := s.Send(ctx, Update{Change: ch}); err != nil {
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hb := Heartbeat{}
			if safe := s.safe.Load(); safe != nil {
				hb.ChangeTime = *safe
			}
			select {
			case s.out <- hb:
			default:
			}
		case <-s.done:
			return
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
