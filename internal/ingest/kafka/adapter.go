package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dirsync/internal/domain"
	"dirsync/internal/ingest"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const (
	CommitModeAfterAppend = "after_append"
	ParseModeJSON         = "json_envelope"
	ParseModeCustom       = "custom_mapper"

	source = "kafka"
)

type Appender interface {
	Apply(ctx context.Context, source string, env ingest.Envelope) (domain.Change, error)
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (ingest.Envelope, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	CommitMode     string
	ParseMode      string
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper Mapper
	Logger       *slog.Logger
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes change envelopes from Kafka topics. An offset is
// committed only once its record is in the changelog or can never be.
type Adapter struct {
	cfg Config
	log *slog.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	appender     Appender
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, appender Appender, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, appender)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, appender Appender) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "ingest", "source", source),
		appender: appender,
		records:  make(chan *kgo.Record, max(cfg.QueueCapacity, 1)),
		acks:     make(chan recordAck, max(cfg.QueueCapacity, 1)),
	}
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterAppend
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterAppend {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	if c.ParseMode != ParseModeJSON && c.ParseMode != ParseModeCustom {
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			close(a.records)
			wg.Wait()
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 && ctx.Err() == nil {
			return errs[0].Err
		}
		fetches.EachRecord(a.enqueue)
		a.client.AllowRebalance()
	}
}

// Close stops polling after the current batch.
func (a *Adapter) Close() { a.closed.Store(true) }

func (a *Adapter) enqueue(rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		env, err := a.normalizeRecord(rec)
		if err == nil {
			_, err = a.appender.Apply(ctx, source, env)
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				if !ingest.Permanent(ack.err) {
					a.log.Warn("change not recorded", "ref", recordRef(ack.record), "err", ack.err)
					continue
				}
				if !errors.Is(ack.err, ingest.ErrDuplicate) {
					a.log.Error("dropping change", "ref", recordRef(ack.record), "err", ack.err)
				}
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil {
				a.log.Warn("commit offsets", "err", err)
			}
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (ingest.Envelope, error) {
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		return ingest.ParseEnvelope(rec.Value)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return ingest.Envelope{}, fmt.Errorf("%w: custom mapper not configured", ingest.ErrInvalid)
		}
		return a.cfg.CustomMapper.MapKafkaRecord(rec)
	}
	return ingest.Envelope{}, fmt.Errorf("%w: unsupported parse mode %q", ingest.ErrInvalid, a.cfg.ParseMode)
}

func recordRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
