package initialize

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dirsync/internal/broker"
	"dirsync/internal/changelog"
	"dirsync/internal/domain"
	"dirsync/internal/storage"
	"dirsync/internal/storage/badger"

	"github.com/google/go-cmp/cmp"
)

type single struct{ d *changelog.Domain }

func (s single) Domain(name string) (*changelog.Domain, bool) {
	return s.d, name == s.d.Name()
}

func openDomain(t *testing.T, gen domain.GenerationID) *changelog.Domain {
	t.Helper()
	ctx := context.Background()
	d, err := changelog.Open(ctx, "o=test", storage.NewMemoryLog(), changelog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if gen != 0 {
		if err := d.SetGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { _ = d.Close(ctx) })
	return d
}

func openEntries(t *testing.T, entries ...string) *badger.EntryStore {
	t.Helper()
	s, err := badger.OpenEntries("", badger.WithInMemory())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	for _, e := range entries {
		if err := s.Add(context.Background(), "o=test", []byte(e)); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func entriesOf(t *testing.T, s Exporter) []string {
	t.Helper()
	var out []string
	if err := s.Export(context.Background(), "o=test", func(b []byte) error {
		out = append(out, string(b))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return out
}

// connect opens a broker session from target to source over a pipe and
// returns the source and target ends.
func connect(t *testing.T, source, target *changelog.Domain, srcMgr, tgtMgr *Manager) (*broker.Session, *broker.Session) {
	t.Helper()
	a, b := net.Pipe()
	var (
		src    *broker.Session
		srcErr error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		src, srcErr = broker.Accept(context.Background(), a, single{source}, broker.Config{Replica: 1, Init: srcMgr})
	}()
	tgt, err := broker.Connect(context.Background(), b, target, broker.Config{Replica: 2, Init: tgtMgr})
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if srcErr != nil {
		t.Fatal(srcErr)
	}
	t.Cleanup(func() {
		_ = tgt.Close()
		_ = src.Close()
	})
	return src, tgt
}

func wait(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s stuck in %s", task.ID, task.State())
	}
	return err
}

func TestRequestImportCopiesDatasetAndAdoptsGeneration(t *testing.T) {
	source := openDomain(t, 77)
	target := openDomain(t, 5)
	srcData := openEntries(t, "dn: o=test", "dn: cn=a,o=test", "dn: cn=b,o=test")
	tgtData := openEntries(t, "dn: cn=stale,o=test")

	srcMgr := NewManager(Options{Exporter: srcData})
	tgtMgr := NewManager(Options{Importer: tgtData})
	_, tgt := connect(t, source, target, srcMgr, tgtMgr)

	task, err := tgtMgr.RequestImport(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, task); err != nil {
		t.Fatal(err)
	}
	if task.State() != StateDone {
		t.Fatalf("state %s", task.State())
	}
	if diff := cmp.Diff(entriesOf(t, srcData), entriesOf(t, tgtData)); diff != "" {
		t.Fatalf("dataset mismatch (-source +target):\n%s", diff)
	}
	if g := target.Generation(); g != 77 {
		t.Fatalf("target generation %d", g)
	}
	if err := tgt.Wait(); !errors.Is(err, broker.ErrReinitialized) {
		t.Fatalf("target session ended with %v", err)
	}
	if _, ok := tgtMgr.Active("o=test"); ok {
		t.Fatal("import task still registered")
	}
}

// gatedExporter holds Export until released.
type gatedExporter struct {
	Exporter
	started chan struct{}
	release chan struct{}
}

func (g *gatedExporter) Export(ctx context.Context, d string, emit func([]byte) error) error {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Exporter.Export(ctx, d, emit)
}

func TestConcurrentRequestRejectedWhileFirstCompletes(t *testing.T) {
	source := openDomain(t, 0)
	exp := &gatedExporter{Exporter: openEntries(t, "e1", "e2"), started: make(chan struct{}), release: make(chan struct{})}
	srcMgr := NewManager(Options{Exporter: exp})

	data1, data2 := openEntries(t), openEntries(t)
	mgr1 := NewManager(Options{Importer: data1})
	mgr2 := NewManager(Options{Importer: data2})
	src1, tgt1 := connect(t, source, openDomain(t, 0), srcMgr, mgr1)
	_, tgt2 := connect(t, source, openDomain(t, 0), srcMgr, mgr2)

	first, err := mgr1.RequestImport(context.Background(), tgt1)
	if err != nil {
		t.Fatal(err)
	}
	<-exp.started

	if _, err := srcMgr.Push(context.Background(), src1); !errors.Is(err, ErrSimultaneousImportExport) {
		t.Fatalf("local push: %v", err)
	}
	second, err := mgr2.RequestImport(context.Background(), tgt2)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, second); !errors.Is(err, ErrSimultaneousImportExport) {
		t.Fatalf("second request: %v", err)
	}

	close(exp.release)
	if err := wait(t, first); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if diff := cmp.Diff([]string{"e1", "e2"}, entriesOf(t, data1)); diff != "" {
		t.Fatalf("first import (-want +got):\n%s", diff)
	}
	if got := entriesOf(t, data2); len(got) != 0 {
		t.Fatalf("rejected import wrote %v", got)
	}
}

// shortExporter announces one entry more than it sends.
type shortExporter struct{ Exporter }

func (s shortExporter) Count(ctx context.Context, d string) (uint64, error) {
	n, err := s.Exporter.Count(ctx, d)
	return n + 1, err
}

func TestCountMismatchAbortsImport(t *testing.T) {
	source := openDomain(t, 9)
	target := openDomain(t, 3)
	tgtData := openEntries(t, "keep")
	srcMgr := NewManager(Options{Exporter: shortExporter{openEntries(t, "a", "b")}})
	tgtMgr := NewManager(Options{Importer: tgtData})
	_, tgt := connect(t, source, target, srcMgr, tgtMgr)

	task, err := tgtMgr.RequestImport(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, task); !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("got %v", err)
	}
	if task.State() != StateError {
		t.Fatalf("state %s", task.State())
	}
	if diff := cmp.Diff([]string{"keep"}, entriesOf(t, tgtData)); diff != "" {
		t.Fatalf("aborted import changed data:\n%s", diff)
	}
	if g := target.Generation(); g != 3 {
		t.Fatalf("generation adopted after failure: %d", g)
	}
	if tgt.LocalStatus() != domain.StatusNormal {
		t.Fatalf("target left in %s", tgt.LocalStatus())
	}
}

// recordingImporter notes when an import begins and how often it is aborted.
type recordingImporter struct {
	Importer
	began  chan struct{}
	once   sync.Once
	aborts atomic.Int32
}

func (r *recordingImporter) Begin(ctx context.Context, d string, total uint64) error {
	err := r.Importer.Begin(ctx, d, total)
	r.once.Do(func() { close(r.began) })
	return err
}

func (r *recordingImporter) Abort(ctx context.Context, d string) error {
	r.aborts.Add(1)
	return r.Importer.Abort(ctx, d)
}

func TestSourceSessionLossFailsImport(t *testing.T) {
	source := openDomain(t, 9)
	target := openDomain(t, 3)
	exp := &gatedExporter{Exporter: openEntries(t, "a", "b"), started: make(chan struct{}), release: make(chan struct{})}
	tgtData := openEntries(t, "keep")
	imp := &recordingImporter{Importer: tgtData, began: make(chan struct{})}
	tgtMgr := NewManager(Options{Importer: imp})
	src, tgt := connect(t, source, target, NewManager(Options{Exporter: exp}), tgtMgr)

	task, err := tgtMgr.RequestImport(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	<-imp.began
	<-exp.started
	if st := task.State(); st != StateTransferring {
		t.Fatalf("state %s before the source went away", st)
	}
	_ = src.Close()

	if err := wait(t, task); err == nil {
		t.Fatal("import completed without its source")
	}
	if task.State() != StateError {
		t.Fatalf("state %s", task.State())
	}
	if _, ok := tgtMgr.Active("o=test"); ok {
		t.Fatal("import task still registered")
	}
	if n := imp.aborts.Load(); n != 1 {
		t.Fatalf("staged import aborted %d times", n)
	}
	if diff := cmp.Diff([]string{"keep"}, entriesOf(t, tgtData)); diff != "" {
		t.Fatalf("lost import changed data:\n%s", diff)
	}
	if g := target.Generation(); g != 3 {
		t.Fatalf("generation adopted after failure: %d", g)
	}

	// the domain is free for a new import over a new session
	_, tgt2 := connect(t, source, target, NewManager(Options{Exporter: openEntries(t, "x")}), tgtMgr)
	retry, err := tgtMgr.RequestImport(context.Background(), tgt2)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, retry); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x"}, entriesOf(t, tgtData)); diff != "" {
		t.Fatalf("retried import (-want +got):\n%s", diff)
	}
}

func TestTargetSessionLossFailsExport(t *testing.T) {
	source := openDomain(t, 9)
	exp := &gatedExporter{Exporter: openEntries(t, "a", "b"), started: make(chan struct{}), release: make(chan struct{})}
	srcMgr := NewManager(Options{Exporter: exp})
	tgtMgr := NewManager(Options{Importer: openEntries(t)})
	_, tgt := connect(t, source, openDomain(t, 3), srcMgr, tgtMgr)

	imported, err := tgtMgr.RequestImport(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	<-exp.started
	exported, ok := srcMgr.Active("o=test")
	if !ok || exported.Role != RoleExport {
		t.Fatal("no export running on the source")
	}
	_ = tgt.Close()

	if err := wait(t, exported); !errors.Is(err, context.Canceled) {
		t.Fatalf("export ended with %v", err)
	}
	if exported.State() != StateError {
		t.Fatalf("export state %s", exported.State())
	}
	if _, ok := srcMgr.Active("o=test"); ok {
		t.Fatal("export task still registered")
	}
	if err := wait(t, imported); !errors.Is(err, broker.ErrSessionClosed) {
		t.Fatalf("import ended with %v", err)
	}
	if _, ok := tgtMgr.Active("o=test"); ok {
		t.Fatal("import task still registered")
	}
}

func TestRequestWithoutDatasetRejected(t *testing.T) {
	source := openDomain(t, 0)
	srcMgr := NewManager(Options{})
	tgtMgr := NewManager(Options{Importer: openEntries(t)})
	src, tgt := connect(t, source, openDomain(t, 0), srcMgr, tgtMgr)

	if _, err := srcMgr.Push(context.Background(), src); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("push: %v", err)
	}
	task, err := tgtMgr.RequestImport(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, task); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v", err)
	}
}
