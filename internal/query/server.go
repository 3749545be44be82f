// Package query serves the operational reads of the external changelog to
// the directory front end: draft bounds, cookies, eligible counts and
// bounded searches, as protobuf messages in length-prefixed frames.
package query

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/ecl"
	"dirsync/internal/metrics"
	"dirsync/internal/state"
	"dirsync/internal/wire"
)

const (
	defaultLimit = 1000
	maxLimit     = 10000
)

// Changelog is the read surface of the external changelog.
type Changelog interface {
	Domains() []string
	FirstDraft(ctx context.Context) (int64, bool, error)
	LastDraft(ctx context.Context) (int64, bool, error)
	LastCookie() state.MultiDomainState
	StartState() state.MultiDomainState
	EligiblePoint() csn.CSN
	EligibleCount(ctx context.Context, from state.MultiDomainState, to csn.CSN) (int, error)
	Open(ctx context.Context, cookie string) (*ecl.Cursor, error)
	OpenDraft(ctx context.Context, r ecl.DraftRange) (*ecl.DraftCursor, error)
}

var _ Changelog = (*ecl.Aggregator)(nil)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit, Workers      int
	TLSConfig                                   *tls.Config
	Logger                                      *slog.Logger
}

type Server struct {
	cfg    Config
	ecl    Changelog
	log    *slog.Logger
	ln     net.Listener
	addr   atomic.Value
	queue  chan queuedRequest
	closed atomic.Bool
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

// connection holds one client. writerQ carries worker answers and has room
// for every inflight request; rejectQ carries answers the reader produces
// itself and applies backpressure to it.
type connection struct {
	c        net.Conn
	writerQ  chan outbound
	rejectQ  chan *Response
	inflight chan struct{}
	done     chan struct{}
}

// outbound is a worker answer; release frees its inflight slot once written.
type outbound struct {
	res     *Response
	release func()
}

func NewServer(cfg Config, changelog Changelog) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, ecl: changelog, log: cfg.Logger, queue: make(chan queuedRequest, cfg.GlobalQueueLimit), conns: map[net.Conn]struct{}{}}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
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

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	close(s.queue)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan outbound, s.cfg.MaxInflight),
		rejectQ:  make(chan *Response, 16),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[raw] = struct{}{}
	s.mu.Unlock()
	go s.writeLoop(conn)
	go func() {
		defer func() {
			close(conn.done)
			_ = raw.Close()
			s.mu.Lock()
			delete(s.conns, raw)
			s.mu.Unlock()
		}()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		var out outbound
		select {
		case out = <-conn.writerQ:
		case out.res = <-conn.rejectQ:
		case <-conn.done:
			return
		}
		err := s.write(w, out.res)
		if out.release != nil {
			out.release()
		}
		if err != nil {
			_ = conn.c.Close()
			return
		}
	}
}

func (s *Server) write(w *bufio.Writer, res *Response) error {
	payload, err := MarshalMessage(res)
	if err != nil {
		s.log.Error("marshal query response", "request", res.RequestId, "err", err)
		return nil
	}
	if err := wire.WriteFrame(w, payload); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-conn.inflight }}
		if !s.enqueue(qr) {
			qr.release()
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "query queue overloaded"})
		}
	}
}

// enqueue hands qr to the workers unless the queue is full or closed.
func (s *Server) enqueue(qr queuedRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.queue <- qr:
		return true
	default:
		return false
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for qr := range s.queue {
		start := time.Now()
		res := s.handleRequest(qr.ctx, qr.req)
		metrics.QueryDuration.WithLabelValues(Operation(qr.req.Operation).String()).Observe(time.Since(start).Seconds())
		// the inflight slot reserved room in writerQ for this answer
		select {
		case qr.conn.writerQ <- outbound{res: res, release: qr.release}:
		case <-qr.conn.done:
		}
	}
}

// send queues an answer produced by the reader, blocking it while the
// client is not reading.
func (s *Server) send(conn *connection, res *Response) {
	select {
	case conn.rejectQ <- res:
	case <-conn.done:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	var err error
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		domains := s.ecl.Domains()
		res.Health = &HealthResponse{Ok: !s.closed.Load(), Domains: domains, Message: fmt.Sprintf("%d domains exposed", len(domains))}
	case OperationFirstLastDraft:
		res.Drafts, err = s.firstLast(ctx)
	case OperationLastCookie:
		res.Cookie = &CookieResponse{Cookie: s.ecl.LastCookie().String()}
	case OperationStartState:
		res.Cookie = &CookieResponse{Cookie: s.ecl.StartState().String()}
	case OperationEligibleCount:
		if req.EligibleCount == nil {
			return badReq(req, "eligible_count query required")
		}
		res.Count, err = s.eligibleCount(ctx, req.EligibleCount)
	case OperationSearchCookie:
		if req.SearchCookie == nil {
			return badReq(req, "search_cookie query required")
		}
		res.Search, err = s.searchCookie(ctx, req.SearchCookie)
	case OperationSearchDraft:
		if req.SearchDraft == nil {
			return badReq(req, "search_draft query required")
		}
		res.Search, err = s.searchDraft(ctx, req.SearchDraft)
	default:
		return badReq(req, "unknown operation")
	}
	if err != nil {
		return errorResponse(req, err)
	}
	return res
}

func badReq(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func errorResponse(req *Request, err error) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: err.Error()}
	var (
		resync    *ecl.ResyncError
		unwilling *ecl.UnwillingError
	)
	switch {
	case errors.As(err, &resync):
		res.ErrorCode = int32(ErrorCodeResyncRequired)
		res.Resync = &ResyncDetail{Reason: resync.Reason.String(), Domain: resync.Domain, Expected: resync.Expected}
	case errors.As(err, &unwilling):
		res.ErrorCode = int32(ErrorCodeUnwilling)
	case errors.Is(err, state.ErrInvalidCookieSyntax), errors.Is(err, ecl.ErrInvalidRange), errors.Is(err, errBadInput):
		res.ErrorCode = int32(ErrorCodeBadRequest)
	}
	return res
}

var errBadInput = errors.New("bad input")

func (s *Server) firstLast(ctx context.Context) (*FirstLastResponse, error) {
	first, ok, err := s.ecl.FirstDraft(ctx)
	if err != nil || !ok {
		return &FirstLastResponse{}, err
	}
	last, ok, err := s.ecl.LastDraft(ctx)
	if err != nil || !ok {
		return &FirstLastResponse{}, err
	}
	return &FirstLastResponse{Found: true, First: first, Last: last}, nil
}

func (s *Server) eligibleCount(ctx context.Context, q *EligibleCountRequest) (*CountResponse, error) {
	from, err := state.ParseCookie(q.FromCookie)
	if err != nil {
		return nil, err
	}
	to := s.ecl.EligiblePoint()
	if q.ToCsn != "" {
		if to, err = csn.Parse(q.ToCsn); err != nil {
			return nil, fmt.Errorf("%w: to_csn: %v", errBadInput, err)
		}
	}
	n, err := s.ecl.EligibleCount(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: int64(n), ToCsn: to.String()}, nil
}

func clampLimit(n int32) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return int(n)
}

// entryCursor is the common shape of cookie and draft cursors.
type entryCursor interface {
	Next(ctx context.Context) (ecl.Entry, bool, error)
	Cookie() string
}

func collect(ctx context.Context, c entryCursor, limit int) (*SearchResponse, error) {
	out := &SearchResponse{}
	for len(out.Entries) < limit {
		e, ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			out.Cookie = c.Cookie()
			return out, nil
		}
		out.Entries = append(out.Entries, toChangeEntry(e))
	}
	out.Cookie = c.Cookie()
	out.More = true
	return out, nil
}

func (s *Server) searchCookie(ctx context.Context, q *SearchCookieRequest) (*SearchResponse, error) {
	c, err := s.ecl.Open(ctx, q.Cookie)
	if err != nil {
		return nil, err
	}
	return collect(ctx, c, clampLimit(q.Limit))
}

func (s *Server) searchDraft(ctx context.Context, q *SearchDraftRequest) (*SearchResponse, error) {
	var r ecl.DraftRange
	if strings.TrimSpace(q.Predicate) != "" {
		var err error
		if r, err = ecl.ParseDraftPredicate(q.Predicate); err != nil {
			return nil, err
		}
	} else {
		r = ecl.From(q.Lo)
		if q.Hi != 0 {
			r.Hi = q.Hi
		}
	}
	c, err := s.ecl.OpenDraft(ctx, r)
	if err != nil {
		return nil, err
	}
	return collect(ctx, c, clampLimit(q.Limit))
}

func toChangeEntry(e ecl.Entry) *ChangeEntry {
	return &ChangeEntry{
		ChangeNumber: e.Number,
		Domain:       e.Domain,
		Csn:          e.CSN.String(),
		ChangeType:   e.Op.String(),
		TargetDn:     e.TargetDN,
		EntryUuid:    e.EntryUUID,
		ReplicaId:    uint32(e.CSN.Replica),
		ChangeTimeMs: e.CSN.Time,
		Cookie:       e.Cookie,
		Changes:      e.Payload,
	}
}

// DialAndRequest sends one request on a fresh connection and waits for its
// response.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
