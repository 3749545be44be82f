package broker

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/storage"
	"dirsync/internal/wire"
)

type domainSet map[string]*changelog.Domain

func (d domainSet) Domain(name string) (*changelog.Domain, bool) {
	dom, ok := d[name]
	return dom, ok
}

func openDomain(t *testing.T, log storage.Log) *changelog.Domain {
	t.Helper()
	if log == nil {
		log = storage.NewMemoryLog()
	}
	d, err := changelog.Open(context.Background(), "o=test", log, changelog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func appendChange(t *testing.T, d *changelog.Domain, ts int64, r csn.ReplicaID) {
	t.Helper()
	ch := domain.Change{CSN: csn.CSN{Time: ts, Replica: r}, Op: domain.OpAdd, TargetDN: "cn=e,o=test", Payload: []byte("x")}
	if err := d.Append(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pair connects a client and a server session over an in-memory pipe.
func pair(t *testing.T, server, client *changelog.Domain, scfg, ccfg Config) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	var (
		srv    *Session
		srvErr error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv, srvErr = Accept(context.Background(), a, domainSet{server.Name(): server}, scfg)
	}()
	cli, err := Connect(context.Background(), b, client, ccfg)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if srvErr != nil {
		t.Fatal(srvErr)
	}
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.Close()
	})
	return srv, cli
}

// rawPeer speaks the protocol by hand against a server session.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *rawPeer) send(m Message) {
	p.t.Helper()
	b, err := Marshal(m)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := wire.WriteFrame(p.conn, b); err != nil {
		p.t.Fatal(err)
	}
}

func (p *rawPeer) recv() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := wire.ReadFrame(p.r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

// recvUntil skips heartbeats and windows until a message of kind k.
func (p *rawPeer) recvUntil(k Kind) Message {
	p.t.Helper()
	for {
		m, err := p.recv()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", k, err)
		}
		if m.Kind() == k {
			return m
		}
	}
}

func acceptRaw(t *testing.T, dom *changelog.Domain, cfg Config, hello Start) (*Session, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	p := &rawPeer{t: t, conn: b, r: bufio.NewReader(b)}
	done := make(chan struct{})
	var (
		sess *Session
		err  error
	)
	go func() {
		defer close(done)
		sess, err = Accept(context.Background(), a, domainSet{dom.Name(): dom}, cfg)
	}()
	p.send(hello)
	if _, ok := p.recvUntil(KindStart).(Start); !ok {
		t.Fatal("no start reply")
	}
	<-done
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = b.Close()
		_ = sess.Close()
	})
	return sess, p
}

func TestSessionReplicatesBothWays(t *testing.T) {
	srvDom := openDomain(t, nil)
	cliDom := openDomain(t, nil)
	appendChange(t, srvDom, 100, 1)
	appendChange(t, srvDom, 150, 3)
	appendChange(t, cliDom, 120, 2)

	srv := NewServer("127.0.0.1:0", domainSet{"o=test": srvDom}, Config{Replica: 1})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start(context.Background()) }()
	defer srv.Close()

	cli, err := Dial(context.Background(), srv.Addr(), cliDom, Config{Replica: 2, Window: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	eventually(t, "client catch-up", func() bool {
		st := cliDom.DBState()
		return st[1].Time == 100 && st[3].Time == 150
	})
	eventually(t, "server receives client change", func() bool { return srvDom.DBState()[2].Time == 120 })

	appendChange(t, srvDom, 200, 1)
	eventually(t, "live update", func() bool { return cliDom.DBState()[1].Time == 200 })

	n, err := srvDom.Count(context.Background(), nil, changelog.Ceiling(time.UnixMilli(1000)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("server holds %d records, want 4 without echoes", n)
	}
	if got := len(srv.Sessions()); got != 1 {
		t.Fatalf("server tracks %d sessions", got)
	}
}

func TestManyUpdatesFlowThroughSmallWindow(t *testing.T) {
	srvDom := openDomain(t, nil)
	cliDom := openDomain(t, nil)
	for i := int64(1); i <= 50; i++ {
		appendChange(t, srvDom, i, 1)
	}
	pair(t, srvDom, cliDom, Config{Replica: 1, Window: 3}, Config{Replica: 2, Window: 3})
	eventually(t, "all 50 updates", func() bool { return cliDom.DBState()[1].Time == 50 })
}

func TestGenerationMismatchRefusesUpdates(t *testing.T) {
	dom := openDomain(t, nil)
	if err := dom.SetGeneration(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	appendChange(t, dom, 100, 1)

	sess, p := acceptRaw(t, dom, Config{Replica: 1}, Start{
		Version: ProtocolVersion, Replica: 2, Domain: "o=test", Generation: 11, Window: 10, Status: domain.StatusNormal,
	})
	if sess.GenerationMatches() {
		t.Fatal("generations should differ")
	}
	p.send(Update{Change: domain.Change{CSN: csn.CSN{Time: 50, Replica: 2}, Op: domain.OpAdd}})
	for {
		m, err := p.recv()
		if err != nil {
			t.Fatalf("expected an error message before close: %v", err)
		}
		if m.Kind() == KindUpdate {
			t.Fatal("records must not flow to a mismatched peer")
		}
		if e, ok := m.(Error); ok {
			if !strings.Contains(e.Message, "generation") {
				t.Fatalf("error %q", e.Message)
			}
			break
		}
	}
	if err := sess.Wait(); !errors.Is(err, ErrGenerationMismatch) {
		t.Fatalf("session ended with %v", err)
	}
	if _, ok := dom.DBState()[2]; ok {
		t.Fatal("update from mismatched peer was applied")
	}
}

// gatedLog blocks appends until the gate is opened.
type gatedLog struct {
	*storage.MemoryLog
	gate chan struct{}
}

func (g *gatedLog) Append(ctx context.Context, ch domain.Change) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryLog.Append(ctx, ch)
}

func TestWindowOverflowIsProtocolError(t *testing.T) {
	log := &gatedLog{MemoryLog: storage.NewMemoryLog(), gate: make(chan struct{})}
	dom := openDomain(t, log)
	sess, p := acceptRaw(t, dom, Config{Replica: 1, Window: 2}, Start{
		Version: ProtocolVersion, Replica: 2, Domain: "o=test", Window: 10, Status: domain.StatusNormal,
	})
	go func() {
		for i := int64(1); i <= 4; i++ {
			b, _ := Marshal(Update{Change: domain.Change{CSN: csn.CSN{Time: i, Replica: 2}, Op: domain.OpAdd}})
			if wire.WriteFrame(p.conn, b) != nil {
				return
			}
		}
	}()
	e, ok := p.recvUntil(KindError).(Error)
	if !ok || !strings.Contains(e.Message, "window") {
		t.Fatalf("got %+v", e)
	}
	if err := sess.Wait(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("session ended with %v", err)
	}
	close(log.gate)
}

func TestSilentPeerTimesOut(t *testing.T) {
	dom := openDomain(t, nil)
	sess, _ := acceptRaw(t, dom, Config{Replica: 1, Timeout: 50 * time.Millisecond}, Start{
		Version: ProtocolVersion, Replica: 2, Domain: "o=test", Window: 10,
		HeartbeatInterval: 10 * time.Millisecond, Status: domain.StatusNormal,
	})
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not time out")
	}
	if err := sess.Err(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("session ended with %v", err)
	}
}

func TestHeartbeatCarriesChangeTime(t *testing.T) {
	srvDom := openDomain(t, nil)
	cliDom := openDomain(t, nil)
	now := func() time.Time { return time.UnixMilli(5000) }
	pair(t, srvDom, cliDom, Config{Replica: 1}, Config{Replica: 2, HeartbeatInterval: 10 * time.Millisecond, Now: now})
	want := csn.CSN{Time: 4999, Replica: 2, Seq: math.MaxUint32}
	eventually(t, "change time from heartbeat", func() bool { return srvDom.ChangeTime()[2] == want })
}

func TestHeartbeatStaysBelowPendingLocalChange(t *testing.T) {
	srvDom := openDomain(t, nil)
	cliDom := openDomain(t, nil)
	release := cliDom.Reserve(csn.CSN{Time: 4000, Replica: 2})
	now := func() time.Time { return time.UnixMilli(5000) }
	pair(t, srvDom, cliDom, Config{Replica: 1}, Config{Replica: 2, HeartbeatInterval: 10 * time.Millisecond, Now: now})

	held := csn.CSN{Time: 3999, Replica: 2, Seq: math.MaxUint32}
	eventually(t, "held change time", func() bool { return srvDom.ChangeTime()[2] == held })
	release()
	want := csn.CSN{Time: 4999, Replica: 2, Seq: math.MaxUint32}
	eventually(t, "change time after release", func() bool { return srvDom.ChangeTime()[2] == want })
}

func TestPeerHeartbeatWaitsForEarlierUpdates(t *testing.T) {
	log := &gatedLog{MemoryLog: storage.NewMemoryLog(), gate: make(chan struct{})}
	dom := openDomain(t, log)
	_, p := acceptRaw(t, dom, Config{Replica: 1}, Start{
		Version: ProtocolVersion, Replica: 2, Domain: "o=test", Window: 10, Status: domain.StatusNormal,
	})
	for _, ts := range []int64{100, 200} {
		p.send(Update{Change: domain.Change{CSN: csn.CSN{Time: ts, Replica: 2}, Op: domain.OpAdd, TargetDN: "cn=e,o=test"}})
	}
	beat := csn.CSN{Time: 900, Replica: 2}
	p.send(Heartbeat{ChangeTime: beat})
	p.send(Heartbeat{})

	time.Sleep(50 * time.Millisecond)
	if got := dom.ChangeTime()[2]; !got.Less(csn.CSN{Time: 200, Replica: 2}) {
		t.Fatalf("change time %s published before the updates were appended", got)
	}
	close(log.gate)
	eventually(t, "heartbeat after updates", func() bool {
		return dom.ChangeTime()[2] == beat && dom.DBState()[2] == csn.CSN{Time: 200, Replica: 2}
	})
}

func TestFullUpdatePeerPausesStreaming(t *testing.T) {
	srvDom := openDomain(t, nil)
	cliDom := openDomain(t, nil)
	appendChange(t, srvDom, 100, 1)
	_, cli := pair(t, srvDom, cliDom, Config{Replica: 1}, Config{Replica: 2, Status: domain.StatusFullUpdate})

	time.Sleep(50 * time.Millisecond)
	if _, ok := cliDom.DBState()[1]; ok {
		t.Fatal("records streamed to a peer in full update")
	}
	if err := cli.SetStatus(context.Background(), domain.StatusNormal); err != nil {
		t.Fatal(err)
	}
	eventually(t, "stream resumes", func() bool { return cliDom.DBState()[1].Time == 100 })
}

func TestUnknownDomainRefused(t *testing.T) {
	srv := NewServer("127.0.0.1:0", domainSet{}, Config{Replica: 1})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start(context.Background()) }()
	defer srv.Close()

	_, err := Dial(context.Background(), srv.Addr(), openDomain(t, nil), Config{Replica: 2})
	if err == nil || !strings.Contains(err.Error(), "unknown domain") {
		t.Fatalf("got %v", err)
	}
}

func TestServerCloseEndsSessions(t *testing.T) {
	srvDom := openDomain(t, nil)
	srv := NewServer("127.0.0.1:0", domainSet{"o=test": srvDom}, Config{Replica: 1})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start(context.Background()) }()

	cli, err := Dial(context.Background(), srv.Addr(), openDomain(t, nil), Config{Replica: 2})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "server session", func() bool { return len(srv.Sessions()) == 1 })
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session survived server close")
	}
}
