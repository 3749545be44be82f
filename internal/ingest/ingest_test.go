package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"dirsync/internal/changelog"
	"dirsync/internal/csn"
	"dirsync/internal/dnroute"
	"dirsync/internal/domain"
	"dirsync/internal/storage"
)

type domainSet map[string]*changelog.Domain

func (s domainSet) Domain(name string) (*changelog.Domain, bool) {
	d, ok := s[name]
	return d, ok
}

func newSink(t *testing.T) (*Sink, domainSet) {
	t.Helper()
	ctx := context.Background()
	set := domainSet{}
	for _, name := range []string{"o=test", "ou=people,o=test"} {
		d, err := changelog.Open(ctx, name, storage.NewMemoryLog(), changelog.Options{LocalReplica: 3})
		if err != nil {
			t.Fatal(err)
		}
		set[name] = d
	}
	router, err := dnroute.NewRouter("o=test", "ou=people,o=test")
	if err != nil {
		t.Fatal(err)
	}
	now := time.UnixMilli(5000)
	gen := csn.NewGeneratorWithClock(3, func() time.Time { return now })
	return NewSink(router, set, gen), set
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"op":"modrdn","target_dn":"cn=a,o=test","changes":{"newrdn":"cn=b"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Op != "modrdn" || string(env.Changes) != `{"newrdn":"cn=b"}` {
		t.Fatalf("decoded %+v", env)
	}
	for _, bad := range []string{`{`, `{"op":"add"}`, `{"op":"bind","target_dn":"cn=a"}`} {
		if _, err := ParseEnvelope([]byte(bad)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: %v", bad, err)
		}
	}
}

func TestApplyRoutesToMostSpecificDomain(t *testing.T) {
	sink, set := newSink(t)
	ctx := context.Background()
	ch, err := sink.Apply(ctx, "test", Envelope{Op: "add", TargetDN: "uid=jo, ou=People, o=test", EntryUUID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Domain != "ou=people,o=test" || ch.Op != domain.OpAdd || ch.CSN.Replica != 3 {
		t.Fatalf("stored %+v", ch)
	}
	got, ok, err := set["ou=people,o=test"].Get(ctx, ch.CSN)
	if err != nil || !ok || got.EntryUUID != "u1" {
		t.Fatalf("lookup: %+v %t %v", got, ok, err)
	}
	if _, ok := set["o=test"].DBState().Get(3); ok {
		t.Fatal("change leaked into the parent domain")
	}
}

func TestApplyStampsIncreasingCSNs(t *testing.T) {
	sink, _ := newSink(t)
	var last csn.CSN
	for i := 0; i < 5; i++ {
		ch, err := sink.Apply(context.Background(), "test", Envelope{Op: "modify", TargetDN: "cn=a,o=test"})
		if err != nil {
			t.Fatal(err)
		}
		if !last.Less(ch.CSN) {
			t.Fatalf("csn %s not after %s", ch.CSN, last)
		}
		last = ch.CSN
	}
}

func TestReplayedChangeIsDuplicate(t *testing.T) {
	sink, _ := newSink(t)
	ctx := context.Background()
	stamped := csn.CSN{Time: 9000, Replica: 3}
	env := Envelope{Op: "delete", TargetDN: "cn=a,o=test", CSN: stamped.String()}
	if _, err := sink.Apply(ctx, "test", env); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Apply(ctx, "test", env); !errors.Is(err, ErrDuplicate) || !Permanent(err) {
		t.Fatalf("replay: %v", err)
	}
	ch, err := sink.Apply(ctx, "test", Envelope{Op: "add", TargetDN: "cn=b,o=test"})
	if err != nil {
		t.Fatal(err)
	}
	if !stamped.Less(ch.CSN) {
		t.Fatalf("fresh csn %s not after observed %s", ch.CSN, stamped)
	}
}

func TestUnroutableChange(t *testing.T) {
	sink, _ := newSink(t)
	_, err := sink.Apply(context.Background(), "test", Envelope{Op: "add", TargetDN: "cn=a,o=elsewhere"})
	if !errors.Is(err, ErrUnroutable) || !Permanent(err) {
		t.Fatalf("got %v", err)
	}
	if Permanent(errors.New("io")) {
		t.Fatal("plain error reported permanent")
	}
}

// stalledLog holds Append until release is closed.
type stalledLog struct {
	storage.Log
	entered chan struct{}
	release chan struct{}
}

func (l *stalledLog) Append(ctx context.Context, ch domain.Change) error {
	l.entered <- struct{}{}
	<-l.release
	return l.Log.Append(ctx, ch)
}

func TestApplyHoldsEligibilityUntilAppended(t *testing.T) {
	ctx := context.Background()
	log := &stalledLog{Log: storage.NewMemoryLog(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	d, err := changelog.Open(ctx, "o=test", log, changelog.Options{LocalReplica: 3})
	if err != nil {
		t.Fatal(err)
	}
	router, err := dnroute.NewRouter("o=test")
	if err != nil {
		t.Fatal(err)
	}
	gen := csn.NewGeneratorWithClock(3, func() time.Time { return time.UnixMilli(5000) })
	sink := NewSink(router, domainSet{"o=test": d}, gen)

	type result struct {
		ch  domain.Change
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := sink.Apply(ctx, "test", Envelope{Op: "add", TargetDN: "cn=a,o=test"})
		done <- result{ch, err}
	}()
	<-log.entered
	held := d.EligibleCSN(time.Now(), time.Minute)
	close(log.release)
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !held.Less(res.ch.CSN) {
		t.Fatalf("eligible %s reached %s while it was still being appended", held, res.ch.CSN)
	}
	if got := d.EligibleCSN(time.Now(), time.Minute); got.Less(res.ch.CSN) {
		t.Fatalf("eligible %s still held after append", got)
	}
}
