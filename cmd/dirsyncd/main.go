package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dirsync/internal/broker"
	"dirsync/internal/changelog"
	"dirsync/internal/config"
	"dirsync/internal/csn"
	"dirsync/internal/dnroute"
	"dirsync/internal/ecl"
	"dirsync/internal/ingest"
	"dirsync/internal/ingest/kafka"
	"dirsync/internal/ingest/rabbitmq"
	"dirsync/internal/initialize"
	"dirsync/internal/metrics"
	"dirsync/internal/query"
	"dirsync/internal/storage"
	"dirsync/internal/storage/badger"
	"dirsync/internal/storage/postgres"
	"dirsync/internal/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "dirsync.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dirsyncd stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// domainSet resolves every replicated domain, excluded ones included.
type domainSet map[string]*changelog.Domain

func (s domainSet) Domain(name string) (*changelog.Domain, bool) {
	d, ok := s[name]
	return d, ok
}

func openBackend(ctx context.Context, cfg config.ChangelogConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlite.NewStore(cfg.Dir)
	case config.BackendPostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	}
	return storage.NewMemoryBackend(), nil
}

func openDrafts(cfg config.DraftsConfig) (storage.DraftIndex, error) {
	if cfg.Backend == config.BackendBadger {
		return badger.Open(cfg.Dir)
	}
	return storage.NewMemoryDraftIndex(), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	replica := csn.ReplicaID(cfg.Server.ReplicaID)
	logger = logger.With("replica", replica)

	backend, err := openBackend(ctx, cfg.Changelog)
	if err != nil {
		return fmt.Errorf("open changelog backend: %w", err)
	}
	defer backend.Close()
	drafts, err := openDrafts(cfg.Drafts)
	if err != nil {
		return fmt.Errorf("open draft index: %w", err)
	}
	defer drafts.Close()
	entries, err := badger.OpenEntries(cfg.Init.EntriesDir)
	if err != nil {
		return fmt.Errorf("open entry store: %w", err)
	}
	defer entries.Close()

	agg := ecl.New(ecl.Options{StalenessBound: cfg.Eligibility.StalenessBound, Drafts: drafts, Logger: logger})
	defer agg.Close()

	domains := domainSet{}
	for _, name := range cfg.Domains.BaseDNs {
		log, err := backend.OpenLog(ctx, name)
		if err != nil {
			return fmt.Errorf("open log %s: %w", name, err)
		}
		d, err := changelog.Open(ctx, name, log, changelog.Options{
			PurgeDelay:    cfg.Changelog.PurgeDelay,
			RetryAttempts: cfg.Changelog.RetryAttempts,
			RetryBackoff:  cfg.Changelog.RetryBackoff,
			LocalReplica:  replica,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("open domain %s: %w", name, err)
		}
		defer d.Close(context.WithoutCancel(ctx))
		domains[name] = d
		if err := agg.Register(d); err != nil {
			return err
		}
		if cfg.IsExcluded(name) {
			if err := agg.SetExcluded(name, true); err != nil {
				return err
			}
		}
	}

	gen := csn.NewGenerator(replica)
	inits := initialize.NewManager(initialize.Options{Importer: entries, Exporter: entries, Logger: logger})
	bcfg := broker.Config{
		Replica:           replica,
		Window:            cfg.Broker.Window,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		Timeout:           cfg.Broker.Timeout,
		Generator:         gen,
		Init:              inits,
		Logger:            logger,
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	errCh := make(chan error, 1)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	brokers := broker.NewServer(cfg.Broker.Address, domains, bcfg)
	if err := brokers.Listen(); err != nil {
		return err
	}
	defer brokers.Close()
	spawn("broker server", func() error { return brokers.Start(ctx) })
	logger.Info("broker listening", "addr", brokers.Addr(), "domains", len(domains))

	for _, peer := range cfg.Broker.Peers {
		for name, d := range domains {
			peer, name, d := peer, name, d
			importFirst := peer == cfg.Init.ImportFrom
			wg.Add(1)
			go func() {
				defer wg.Done()
				replicate(ctx, peer, d, bcfg, inits, importFirst, cfg.Broker.ReconnectDelay, logger.With("peer", peer, "domain", name))
			}()
		}
	}

	if cfg.Query.Enabled {
		qs := query.NewServer(query.Config{
			Network:     cfg.Query.Network,
			Address:     cfg.Query.Address,
			AuthToken:   cfg.Query.AuthToken,
			MaxInflight: cfg.Query.MaxInflight,
			Workers:     cfg.Query.Workers,
			Logger:      logger,
		}, agg)
		defer qs.Close()
		spawn("query server", func() error { return qs.Start(ctx) })
	}

	router, err := dnroute.NewRouter(cfg.Domains.BaseDNs...)
	if err != nil {
		return err
	}
	sink := ingest.NewSink(router, domains, gen)
	if k := cfg.Ingest.Kafka; k.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:     true,
			Brokers:     k.Brokers,
			Topics:      k.Topics,
			GroupID:     k.GroupID,
			ClientID:    k.ClientID,
			CommitMode:  k.CommitMode,
			ParseMode:   k.ParseMode,
			WorkerCount: k.Workers,
			Logger:      logger,
		}, sink)
		if err != nil {
			return err
		}
		spawn("kafka ingest", func() error { return adapter.Start(ctx) })
	}
	if r := cfg.Ingest.RabbitMQ; r.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			RoutingKeys:   r.RoutingKeys,
			PrefetchCount: r.PrefetchCount,
			Workers:       r.Workers,
			DeliveryQueue: r.DeliveryQueue,
			Logger:        logger,
		}, sink)
		if err != nil {
			return err
		}
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		defer adapter.Close()
	}

	if cfg.Metrics.Address != "" {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		spawn("metrics", func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		defer srv.Close()
	}

	spawn("maintenance", func() error {
		maintain(ctx, domains, agg, cfg.Changelog.TrimInterval, logger)
		return nil
	})

	logger.Info("dirsyncd started", "server_id", cfg.Server.ServerID, "domains", strings.Join(cfg.Domains.BaseDNs, ";"))
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	logger.Info("shutting down")
	return runErr
}

// replicate keeps one outbound broker session per peer and domain alive.
func replicate(ctx context.Context, peer string, d *changelog.Domain, cfg broker.Config, inits *initialize.Manager, importFirst bool, delay time.Duration, log *slog.Logger) {
	for ctx.Err() == nil {
		s, err := broker.Dial(ctx, peer, d, cfg)
		if err == nil {
			log.Info("broker session established", "session", s.ID(), "peer_replica", s.Peer().Replica)
			if importFirst && d.Generation() == 0 {
				if _, err := inits.RequestImport(ctx, s); err != nil {
					log.Warn("request import", "err", err)
				}
			}
			err = s.Wait()
		}
		if errors.Is(err, broker.ErrReinitialized) {
			log.Info("domain reinitialized, reconnecting")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("broker session ended", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// maintain trims each changelog, numbers eligible records and drops draft
// entries whose record was trimmed, once per interval.
func maintain(ctx context.Context, domains domainSet, agg *ecl.Aggregator, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for name, d := range domains {
				if n, err := d.Trim(ctx, now); err != nil {
					log.Warn("trim changelog", "domain", name, "err", err)
				} else if n > 0 {
					log.Debug("trimmed changelog", "domain", name, "records", n)
				}
			}
			if err := agg.AssignDrafts(ctx); err != nil {
				log.Warn("assign draft numbers", "err", err)
			}
			if _, err := agg.PurgeDrafts(ctx); err != nil {
				log.Warn("purge draft index", "err", err)
			}
		}
	}
}
