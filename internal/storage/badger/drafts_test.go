package badger

import (
	"context"
	"testing"

	"dirsync/internal/csn"
	"dirsync/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func entry(n int64, d string, t int64) domain.DraftEntry {
	return domain.DraftEntry{Number: n, Domain: d, CSN: csn.CSN{Time: t, Replica: 1}}
}

func TestAssignLookupAndScan(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	in := []domain.DraftEntry{entry(1, "o=a", 10), entry(2, "o=b", 20), entry(3, "o=a", 30)}
	if err := idx.Assign(ctx, in, "o=a:x;"); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Scan(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in[1:], got); diff != "" {
		t.Fatalf("scan mismatch (-want +got):\n%s", diff)
	}
	n, ok, err := idx.Lookup(ctx, "o=a", csn.CSN{Time: 30, Replica: 1})
	if err != nil || !ok || n != 3 {
		t.Fatalf("lookup: %d %t %v", n, ok, err)
	}
	if _, ok, _ := idx.Lookup(ctx, "o=b", csn.CSN{Time: 30, Replica: 1}); ok {
		t.Fatalf("lookup must be scoped by domain")
	}
	first, _, _ := idx.First(ctx)
	last, _, _ := idx.Last(ctx)
	if first.Number != 1 || last.Number != 3 {
		t.Fatalf("first=%d last=%d", first.Number, last.Number)
	}
	pos, _ := idx.Position(ctx)
	if pos != "o=a:x;" {
		t.Fatalf("position %q", pos)
	}
}

func TestAssignRejectsReusedNumbers(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("", WithInMemory())
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if err := idx.Assign(ctx, []domain.DraftEntry{entry(1, "o=a", 1), entry(2, "o=a", 2)}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.DeleteThrough(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := idx.Assign(ctx, []domain.DraftEntry{entry(2, "o=a", 3)}, ""); err == nil {
		t.Fatalf("expected error reusing purged number")
	}
	if last, _ := idx.LastAssigned(ctx); last != 2 {
		t.Fatalf("last assigned %d", last)
	}
}

func TestDeleteThroughPurgesBothDirections(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(t.TempDir(), WithValueLogFileSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if err := idx.Assign(ctx, []domain.DraftEntry{entry(1, "o=a", 1), entry(2, "o=a", 2), entry(3, "o=a", 3)}, ""); err != nil {
		t.Fatal(err)
	}
	n, err := idx.DeleteThrough(ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("deleted %d err %v", n, err)
	}
	if _, ok, _ := idx.Get(ctx, 1); ok {
		t.Fatalf("entry 1 still present")
	}
	if _, ok, _ := idx.Lookup(ctx, "o=a", csn.CSN{Time: 2, Replica: 1}); ok {
		t.Fatalf("inverse mapping for 2 still present")
	}
	first, ok, _ := idx.First(ctx)
	if !ok || first.Number != 3 {
		t.Fatalf("first after purge: %+v %t", first, ok)
	}
}

func TestInvalidOption(t *testing.T) {
	if _, err := Open(t.TempDir(), WithValueLogFileSize(0)); err == nil {
		t.Fatalf("expected option error")
	}
}
