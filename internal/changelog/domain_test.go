package changelog

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/state"
	"dirsync/internal/storage"

	"github.com/google/go-cmp/cmp"
)

func change(t int64, r csn.ReplicaID) domain.Change {
	return domain.Change{CSN: csn.CSN{Time: t, Replica: r}, Op: domain.OpModify, TargetDN: "cn=x,o=test"}
}

func openTest(t *testing.T, log storage.Log, opts Options) *Domain {
	t.Helper()
	d, err := Open(context.Background(), "o=test", log, opts)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func drain(t *testing.T, c *Cursor) []int64 {
	t.Helper()
	var out []int64
	for {
		ch, ok, err := c.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return out
		}
		out = append(out, ch.CSN.Time)
	}
}

func TestAppendAndIterateInOrder(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{BatchSize: 2})
	for _, ch := range []domain.Change{change(10, 1), change(5, 2), change(20, 1), change(7, 2)} {
		if err := d.Append(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	c, err := d.IterateFrom(ctx, csn.CSN{Time: 7, Replica: 2}, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{7, 10, 20}, drain(t, c)); diff != "" {
		t.Fatalf("iterate mismatch (-want +got):\n%s", diff)
	}
	c, _ = d.IterateFrom(ctx, csn.CSN{Time: 7, Replica: 2}, false)
	if diff := cmp.Diff([]int64{10, 20}, drain(t, c)); diff != "" {
		t.Fatalf("exclusive iterate mismatch (-want +got):\n%s", diff)
	}
	want := state.NewServerState(csn.CSN{Time: 20, Replica: 1}, csn.CSN{Time: 7, Replica: 2})
	if !d.DBState().Equal(want) {
		t.Fatalf("db state %s, want %s", d.DBState(), want)
	}
}

func TestAppendNotAfterReplicaStatePanics(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{})
	if err := d.Append(ctx, change(10, 1)); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_ = d.Append(ctx, change(10, 1))
}

func TestAppendIfNewDropsCovered(t *testing.T) {
	ctx := context.Background()
	log := storage.NewMemoryLog()
	d := openTest(t, log, Options{})
	for i, want := range []bool{true, false, true, false} {
		ts := []int64{10, 10, 12, 11}[i]
		got, err := d.AppendIfNew(ctx, change(ts, 3))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("append %d: got %t want %t", ts, got, want)
		}
	}
	if log.Len() != 2 {
		t.Fatalf("log has %d records", log.Len())
	}
}

func TestIterateAfterTrimProperty(t *testing.T) {
	ctx := context.Background()
	cfg := &quick.Config{MaxCount: 60, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	prop := func(n uint8, cut, from uint8) bool {
		d := openTest(t, storage.NewMemoryLog(), Options{BatchSize: 3})
		var all []int64
		for i := 1; i <= int(n%40)+1; i++ {
			ts := int64(i * 10)
			if err := d.Append(ctx, change(ts, csn.ReplicaID(1+i%3))); err != nil {
				return false
			}
			all = append(all, ts)
		}
		boundary := csn.CSN{Time: int64(cut % 200)}
		if _, err := d.TrimBefore(ctx, boundary); err != nil {
			return false
		}
		start := csn.CSN{Time: int64(from % 200)}
		c, err := d.IterateFrom(ctx, start, true)
		if start.Less(boundary) {
			return errors.Is(err, ErrTrimmed)
		}
		if err != nil {
			return false
		}
		var want []int64
		for _, ts := range all {
			if ts >= start.Time {
				want = append(want, ts)
			}
		}
		got := drain(t, c)
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, cfg); err != nil {
		t.Fatalf("trim property failed: %v", err)
	}
}

func TestTrimPublishesStartStateAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{})
	for _, ch := range []domain.Change{change(1, 1), change(2, 2), change(3, 1), change(4, 1), change(6, 2)} {
		if err := d.Append(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	n, err := d.TrimBefore(ctx, csn.CSN{Time: 4})
	if err != nil || n != 3 {
		t.Fatalf("trim removed %d err %v", n, err)
	}
	want := state.NewServerState(csn.CSN{Time: 3, Replica: 1}, csn.CSN{Time: 2, Replica: 2})
	if !d.StartState().Equal(want) {
		t.Fatalf("start state %s, want %s", d.StartState(), want)
	}
	if n, _ := d.TrimBefore(ctx, csn.CSN{Time: 2}); n != 0 {
		t.Fatalf("boundary moved backwards")
	}
	if d.Boundary() != (csn.CSN{Time: 4}) {
		t.Fatalf("boundary %s", d.Boundary())
	}
}

func TestCheckStateTooOldAndLastStateValid(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{})
	for i := int64(1); i <= 5; i++ {
		if err := d.Append(ctx, change(i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	last := d.DBState()
	if _, err := d.TrimBefore(ctx, csn.CSN{Time: 5}); err != nil {
		t.Fatal(err)
	}
	stale := state.NewServerState(csn.CSN{Time: 3, Replica: 1})
	if err := d.CheckState(stale); !errors.Is(err, ErrTrimmed) {
		t.Fatalf("stale state: %v", err)
	}
	if err := d.CheckState(state.NewServerState(csn.CSN{Time: 4, Replica: 1})); err != nil {
		t.Fatalf("state at start state must be valid: %v", err)
	}
	if _, err := d.TrimBefore(ctx, csn.CSN{Time: 100}); err != nil {
		t.Fatal(err)
	}
	if err := d.CheckState(last); err != nil {
		t.Fatalf("last state after full trim: %v", err)
	}
	c, err := d.Since(ctx, last)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.Next(ctx); ok || err != nil {
		t.Fatalf("expected empty result, got %t %v", ok, err)
	}
}

func TestReopenAfterFullTrimKeepsState(t *testing.T) {
	ctx := context.Background()
	log := storage.NewMemoryLog()
	d := openTest(t, log, Options{})
	for i := int64(1); i <= 3; i++ {
		if err := d.Append(ctx, change(i, 2)); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.SetGeneration(ctx, 77); err != nil {
		t.Fatal(err)
	}
	if _, err := d.TrimBefore(ctx, csn.CSN{Time: 10}); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Append(ctx, change(20, 2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: %v", err)
	}

	re := openTest(t, log, Options{})
	want := state.NewServerState(csn.CSN{Time: 3, Replica: 2})
	if !re.DBState().Equal(want) || !re.StartState().Equal(want) {
		t.Fatalf("db %s start %s", re.DBState(), re.StartState())
	}
	if re.Generation() != 77 || re.Boundary() != (csn.CSN{Time: 10}) {
		t.Fatalf("generation %d boundary %s", re.Generation(), re.Boundary())
	}
}

func TestSinceDeliversLateReplicaRecords(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{})
	if err := d.Append(ctx, change(10, 1)); err != nil {
		t.Fatal(err)
	}
	c, err := d.Since(ctx, state.ServerState{})
	if err != nil {
		t.Fatal(err)
	}
	ch, ok, err := c.Next(ctx)
	if err != nil || !ok || ch.CSN.Time != 10 {
		t.Fatalf("first: %+v %t %v", ch, ok, err)
	}
	if err := d.Append(ctx, change(5, 2)); err != nil {
		t.Fatal(err)
	}
	ch, ok, err = c.Next(ctx)
	if err != nil || !ok || ch.CSN != (csn.CSN{Time: 5, Replica: 2}) {
		t.Fatalf("late record: %+v %t %v", ch, ok, err)
	}
	want := state.NewServerState(csn.CSN{Time: 10, Replica: 1}, csn.CSN{Time: 5, Replica: 2})
	if !c.Position().Equal(want) {
		t.Fatalf("position %s", c.Position())
	}
}

func TestStateCursorFailsWhenTrimPassesIt(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{BatchSize: 1})
	for i := int64(1); i <= 4; i++ {
		if err := d.Append(ctx, change(i, 1)); err != nil {
			t.Fatal(err)
		}
	}
	c, err := d.Since(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := d.TrimBefore(ctx, csn.CSN{Time: 4}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Next(ctx); !errors.Is(err, ErrTrimmed) {
		t.Fatalf("expected trimmed, got %v", err)
	}
}

func TestConcurrentTrimAndIterate(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{BatchSize: 4})
	const total = 500
	c, err := d.Since(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= total; i++ {
			if err := d.Append(ctx, change(i, 1)); err != nil {
				t.Error(err)
				return
			}
			if i%50 == 0 {
				if _, err := d.TrimBefore(ctx, csn.CSN{Time: i - 40}); err != nil {
					t.Error(err)
					return
				}
			}
		}
	}()

	var (
		got     []int64
		trimmed bool
	)
	go func() {
		defer wg.Done()
		for len(got) < total {
			ch, ok, err := c.Next(ctx)
			if errors.Is(err, ErrTrimmed) {
				trimmed = true
				return
			}
			if err != nil {
				t.Error(err)
				return
			}
			if !ok {
				if d.DBState()[1].Time == total {
					if ch, ok, err = c.Next(ctx); !ok || err != nil {
						return
					}
				} else {
					time.Sleep(time.Millisecond)
					continue
				}
			}
			got = append(got, ch.CSN.Time)
		}
	}()
	wg.Wait()

	for i, ts := range got {
		if ts != int64(i+1) {
			t.Fatalf("record %d has time %d: gap without ErrTrimmed (trimmed=%t)", i, ts, trimmed)
		}
	}
	if !trimmed && len(got) != total {
		t.Fatalf("reader stopped after %d records without error", len(got))
	}
}

func TestEligibleCSNHonoursStalenessAndLocalReplica(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	clock := now
	d := openTest(t, storage.NewMemoryLog(), Options{LocalReplica: 9, Now: func() time.Time { return clock }})
	ctx := context.Background()

	if got := d.EligibleCSN(now, time.Minute); got != Ceiling(now.Add(-time.Millisecond)) {
		t.Fatalf("unconstrained domain: %s", got)
	}
	if err := d.Append(ctx, change(now.UnixMilli()-500, 1)); err != nil {
		t.Fatal(err)
	}
	if err := d.Append(ctx, change(now.UnixMilli()-100, 9)); err != nil {
		t.Fatal(err)
	}
	if got := d.EligibleCSN(now, time.Minute); got.Time != now.UnixMilli()-500 {
		t.Fatalf("eligible %s, want replica 1's change", got)
	}
	d.Heartbeat(1, csn.CSN{Time: now.UnixMilli() - 10, Replica: 1})
	if got := d.EligibleCSN(now, time.Minute); got.Time != now.UnixMilli()-10 {
		t.Fatalf("eligible after heartbeat %s", got)
	}
	later := now.Add(2 * time.Minute)
	if got := d.EligibleCSN(later, time.Minute); got != Ceiling(later.Add(-time.Millisecond)) {
		t.Fatalf("stale replica still constrains: %s", got)
	}
}

func TestReservedLocalChangeCapsEligibility(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	d := openTest(t, storage.NewMemoryLog(), Options{LocalReplica: 9, Now: func() time.Time { return now }})

	pending := csn.CSN{Time: now.UnixMilli() - 200, Replica: 9}
	release := d.Reserve(pending)
	second := csn.CSN{Time: now.UnixMilli() - 50, Replica: 9}
	later := d.Reserve(second)
	if got := d.EligibleCSN(now, time.Minute); got != pending.Prev() {
		t.Fatalf("eligible %s with %s pending", got, pending)
	}
	release()
	release()
	if got := d.EligibleCSN(now, time.Minute); got != second.Prev() {
		t.Fatalf("eligible %s after first release", got)
	}
	later()
	if got := d.EligibleCSN(now, time.Minute); got != Ceiling(now.Add(-time.Millisecond)) {
		t.Fatalf("eligible %s after every release", got)
	}
}

// blockedLog holds Append until release is closed.
type blockedLog struct {
	storage.Log
	entered chan struct{}
	release chan struct{}
}

func (b *blockedLog) Append(ctx context.Context, ch domain.Change) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Log.Append(ctx, ch)
}

func TestLocalAppendInFlightHoldsEligibility(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	log := &blockedLog{Log: storage.NewMemoryLog(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := openTest(t, log, Options{LocalReplica: 9, Now: func() time.Time { return now }})

	local := change(now.UnixMilli()-300, 9)
	errc := make(chan error, 1)
	go func() { errc <- d.Append(context.Background(), local) }()
	<-log.entered
	if got := d.EligibleCSN(now, time.Minute); !got.Less(local.CSN) {
		t.Fatalf("eligible %s covers %s before it is appended", got, local.CSN)
	}
	close(log.release)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got := d.EligibleCSN(now, time.Minute); got.Less(local.CSN) {
		t.Fatalf("eligible %s still held after append", got)
	}
}

func TestCountBetweenStateAndCSN(t *testing.T) {
	ctx := context.Background()
	d := openTest(t, storage.NewMemoryLog(), Options{})
	for _, ch := range []domain.Change{change(1, 1), change(2, 2), change(3, 1), change(4, 2), change(5, 1)} {
		if err := d.Append(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	from := state.NewServerState(csn.CSN{Time: 1, Replica: 1})
	n, err := d.Count(ctx, from, csn.CSN{Time: 4, Replica: 2})
	if err != nil || n != 3 {
		t.Fatalf("count %d err %v", n, err)
	}
}

type flakyLog struct {
	storage.Log
	mu       sync.Mutex
	failures int
}

func (f *flakyLog) Append(ctx context.Context, ch domain.Change) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("disk busy")
	}
	f.mu.Unlock()
	return f.Log.Append(ctx, ch)
}

func TestTransientStorageErrorsRetried(t *testing.T) {
	ctx := context.Background()
	log := &flakyLog{Log: storage.NewMemoryLog(), failures: 2}
	d := openTest(t, log, Options{RetryAttempts: 2, RetryBackoff: time.Millisecond})
	if err := d.Append(ctx, change(1, 1)); err != nil {
		t.Fatalf("append with retries: %v", err)
	}
	log.failures = 3
	if err := d.Append(ctx, change(2, 1)); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if d.DBState()[1].Time != 1 {
		t.Fatalf("failed append advanced db state")
	}
}

func TestSubscribersSignalledOnAppend(t *testing.T) {
	d := openTest(t, storage.NewMemoryLog(), Options{})
	ch, release := d.Subscribe()
	defer release()
	if err := d.Append(context.Background(), change(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := d.Append(context.Background(), change(2, 1)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("no signal")
	}
	select {
	case <-ch:
		t.Fatalf("signals must coalesce")
	default:
	}
}
