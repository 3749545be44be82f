package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/storage"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_PASSWORD": "dirsync", "POSTGRES_DB": "dirsync"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://postgres:dirsync@%s:%s/dirsync?sslmode=disable", host, port.Port())
}

func TestPostgresLogIntegration(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, runPostgres(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	a, _ := s.OpenLog(ctx, "o=a")
	b, _ := s.OpenLog(ctx, "o=b")
	for i := int64(1); i <= 4; i++ {
		ch := domain.Change{Domain: "o=a", CSN: csn.CSN{Time: i * 10, Replica: 1}, Op: domain.OpAdd, TargetDN: fmt.Sprintf("uid=%d,o=a", i)}
		if err := a.Append(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Append(ctx, domain.Change{Domain: "o=b", CSN: csn.CSN{Time: 15, Replica: 2}, Op: domain.OpDelete, TargetDN: "uid=x,o=b"}); err != nil {
		t.Fatal(err)
	}

	got, err := a.Read(ctx, csn.CSN{Time: 20, Replica: 1}, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].CSN.Time != 30 {
		t.Fatalf("unexpected read: %+v", got)
	}
	n, err := a.PurgeBefore(ctx, csn.CSN{Time: 25})
	if err != nil || n != 2 {
		t.Fatalf("purge: %d %v", n, err)
	}
	cnt, err := b.Count(ctx, 2, csn.CSN{}, csn.CSN{Time: 100})
	if err != nil || cnt != 1 {
		t.Fatalf("domain isolation broken: count=%d err=%v", cnt, err)
	}
	if err := a.SetMeta(ctx, map[string]string{storage.MetaGeneration: "7"}); err != nil {
		t.Fatal(err)
	}
	meta, err := a.Meta(ctx)
	if err != nil || meta[storage.MetaGeneration] != "7" {
		t.Fatalf("meta: %v %v", meta, err)
	}
}
