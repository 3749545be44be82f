package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/wire"
)

// Domains resolves the domain a connecting replica names in its Start.
type Domains interface {
	Domain(name string) (*changelog.Domain, bool)
}

type Server struct {
	network string
	address string
	domains Domains
	cfg     Config

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	sessions map[*Session]struct{}
}

func NewServer(address string, domains Domains, cfg Config) *Server {
	cfg.withDefaults()
	return &Server{
		network:  "tcp",
		address:  address,
		domains:  domains,
		cfg:      cfg,
		conns:    map[net.Conn]struct{}{},
		sessions: map[*Session]struct{}{},
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Listen binds the server address without accepting yet.
func (s *Server) Listen() error {
	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	return nil
}

// Start accepts connections until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess, err := Accept(ctx, conn, s.domains, s.cfg)

		s.mu.Lock()
		delete(s.conns, conn)
		if err == nil && s.closed.Load() {
			err = ErrSessionClosed
			_ = sess.Close()
		}
		if err != nil {
			s.mu.Unlock()
			s.cfg.Logger.Warn("broker handshake failed", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		_ = sess.Wait()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
}

// Sessions returns the sessions currently established.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	s.wg.Wait()
	return err
}

// Accept runs the server side of the handshake on conn: it reads the
// peer's Start, resolves its domain and replies with the local Start.
func Accept(ctx context.Context, conn net.Conn, domains Domains, cfg Config) (*Session, error) {
	cfg.withDefaults()
	r := bufio.NewReader(conn)
	m, err := readHandshake(conn, r, cfg.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	peer, ok := m.(Start)
	if !ok {
		return nil, reject(conn, protocolError("expected start, got %s", m.Kind()))
	}
	if peer.Version != ProtocolVersion {
		return nil, reject(conn, protocolError("unsupported protocol version %d", peer.Version))
	}
	if peer.Window == 0 {
		return nil, reject(conn, protocolError("zero window"))
	}
	dom, ok := domains.Domain(peer.Domain)
	if !ok {
		return nil, reject(conn, fmt.Errorf("broker: unknown domain %q", peer.Domain))
	}
	if err := writeHandshake(conn, cfg.start(dom), cfg.Timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s := newSession(conn, r, dom, cfg, peer)
	s.run(ctx)
	return s, nil
}

// Dial connects to a broker server and opens a session for dom. ctx bounds
// the whole session, not just the dial.
func Dial(ctx context.Context, address string, dom *changelog.Domain, cfg Config) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", address, err)
	}
	return Connect(ctx, conn, dom, cfg)
}

// Connect runs the client side of the handshake on an established conn.
func Connect(ctx context.Context, conn net.Conn, dom *changelog.Domain, cfg Config) (*Session, error) {
	cfg.withDefaults()
	if err := writeHandshake(conn, cfg.start(dom), cfg.Timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	r := bufio.NewReader(conn)
	m, err := readHandshake(conn, r, cfg.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var peer Start
	switch v := m.(type) {
	case Start:
		peer = v
	case Error:
		_ = conn.Close()
		return nil, fmt.Errorf("broker: handshake refused: %s", v.Message)
	default:
		return nil, reject(conn, protocolError("expected start, got %s", m.Kind()))
	}
	switch {
	case peer.Version != ProtocolVersion:
		return nil, reject(conn, protocolError("unsupported protocol version %d", peer.Version))
	case peer.Domain != dom.Name():
		return nil, reject(conn, protocolError("server answered for %q, asked %q", peer.Domain, dom.Name()))
	case peer.Window == 0:
		return nil, reject(conn, protocolError("zero window"))
	}
	s := newSession(conn, r, dom, cfg, peer)
	s.run(ctx)
	return s, nil
}

func readHandshake(conn net.Conn, r *bufio.Reader, timeout time.Duration) (Message, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := wire.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("broker handshake: %w", err)
	}
	return Unmarshal(frame)
}

func writeHandshake(conn net.Conn, m Message, timeout time.Duration) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := wire.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("broker handshake: %w", err)
	}
	return conn.SetWriteDeadline(time.Time{})
}

// reject sends err to the peer as an Error and closes conn.
func reject(conn net.Conn, err error) error {
	_ = writeHandshake(conn, Error{Message: err.Error()}, drainTimeout)
	_ = conn.Close()
	return err
}
