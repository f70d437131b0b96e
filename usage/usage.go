// Package usage implements the Usage Pipeline (spec §4.10): an in-process
// buffer flushed to a durable work queue on size or time, drained by a
// bounded worker pool that batch-inserts deduplicated events and upserts
// daily aggregates in one transaction per owner, with retry and
// dead-lettering, sized and shaped after the same buffer/flush/worker-pool
// pattern used for provider cost ingestion elsewhere in this codebase,
// generalized from provider cost/usage events to the gateway's
// RequestEvent/UsageDaily model.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/store"
)

// Job is one flushed batch, queued for durable processing.
type Job struct {
	ID        string
	Events    []store.RequestEvent
	Attempts  int
	FirstSeen time.Time
}

// Config tunes the pipeline (spec §4.10 + config defaults).
type Config struct {
	BufferSize     int
	FlushInterval  time.Duration
	WorkerCount    int
	MaxRetries     int
	RetryBase      time.Duration
	DeadLetterAge  time.Duration
}

// Pipeline buffers RequestEvents and drains them through a worker pool.
type Pipeline struct {
	cfg    Config
	db     *store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	buffer []store.RequestEvent

	jobs       chan Job
	deadLetter chan Job
	wg         sync.WaitGroup
	stopFlush  chan struct{}
	flushDone  chan struct{}

	stats struct {
		mu        sync.Mutex
		published int64
		processed int64
		failed    int64
		dropped   int64
	}
}

func New(cfg Config, db *store.Store, logger zerolog.Logger) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	p := &Pipeline{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		buffer:     make([]store.RequestEvent, 0, cfg.BufferSize),
		jobs:       make(chan Job, 1000),
		deadLetter: make(chan Job, 1000),
		stopFlush:  make(chan struct{}),
		flushDone:  make(chan struct{}),
	}
	return p
}

// Start launches the periodic flusher and the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go p.flushLoop()
}

// Publish appends an event to the in-process buffer, flushing immediately
// if the size trigger is hit (spec §4.10 "size >= 100").
func (p *Pipeline) Publish(e store.RequestEvent) {
	p.mu.Lock()
	p.buffer = append(p.buffer, e)
	shouldFlush := len(p.buffer) >= p.cfg.BufferSize
	p.mu.Unlock()

	if shouldFlush {
		p.flush()
	}
}

func (p *Pipeline) flushLoop() {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	defer close(p.flushDone)

	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.stopFlush:
			p.flush()
			return
		}
	}
}

func (p *Pipeline) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]store.RequestEvent, 0, p.cfg.BufferSize)
	p.mu.Unlock()

	job := Job{ID: uuid.NewString(), Events: batch, FirstSeen: time.Now()}
	select {
	case p.jobs <- job:
		p.stats.mu.Lock()
		p.stats.published++
		p.stats.mu.Unlock()
	default:
		p.logger.Error().Int("events", len(batch)).Msg("usage pipeline queue full, dropping batch")
		p.stats.mu.Lock()
		p.stats.dropped++
		p.stats.mu.Unlock()
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(ctx, job)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) {
	if err := p.applyJob(ctx, job); err != nil {
		job.Attempts++
		p.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("usage job failed")

		if time.Since(job.FirstSeen) > p.cfg.DeadLetterAge && job.Attempts >= p.cfg.MaxRetries {
			p.logger.Error().Str("job_id", job.ID).Msg("usage job dead-lettered")
			p.stats.mu.Lock()
			p.stats.failed++
			p.stats.mu.Unlock()
			select {
			case p.deadLetter <- job:
			default:
			}
			return
		}

		if job.Attempts >= p.cfg.MaxRetries {
			p.stats.mu.Lock()
			p.stats.failed++
			p.stats.mu.Unlock()
			select {
			case p.deadLetter <- job:
			default:
			}
			return
		}

		backoff := p.cfg.RetryBase * time.Duration(1<<uint(job.Attempts-1))
		time.AfterFunc(backoff, func() {
			select {
			case p.jobs <- job:
			default:
			}
		})
		return
	}
	p.stats.mu.Lock()
	p.stats.processed++
	p.stats.mu.Unlock()
}

// applyJob runs InsertEventsDeduped then UpsertUsageDaily for every owner
// present in the batch. Per SPEC_FULL.md's open-question decision, each
// owner's slice of the batch is applied in its own transaction guarded by a
// per-job per-owner processed marker, so a retried job cannot double-apply
// an owner's aggregate even though event rows are independently
// deduplicated by request_id.
func (p *Pipeline) applyJob(ctx context.Context, job Job) error {
	byOwner := make(map[string][]store.RequestEvent)
	for _, e := range job.Events {
		k := string(e.OwnerKind) + ":" + e.OwnerID
		byOwner[k] = append(byOwner[k], e)
	}

	for _, events := range byOwner {
		if err := p.applyOwnerBatch(ctx, job.ID, events); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) applyOwnerBatch(ctx context.Context, jobID string, events []store.RequestEvent) error {
	tx, err := p.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	owner := events[0]
	already, err := p.db.HasProcessedJobOwner(ctx, tx, jobID, string(owner.OwnerKind), owner.OwnerID)
	if err != nil {
		return err
	}
	if already {
		return tx.Commit()
	}

	if _, err := p.db.InsertEventsDeduped(ctx, tx, events); err != nil {
		return err
	}

	agg := aggregate(events)
	if err := p.db.UpsertUsageDaily(ctx, tx, agg); err != nil {
		return err
	}

	if err := p.db.MarkProcessedJobOwner(ctx, tx, jobID, string(owner.OwnerKind), owner.OwnerID); err != nil {
		return err
	}

	return tx.Commit()
}

func aggregate(events []store.RequestEvent) store.UsageDaily {
	first := events[0]
	agg := store.UsageDaily{
		OwnerKind: first.OwnerKind,
		OwnerID:   first.OwnerID,
		Date:      first.CreatedAt.UTC().Format("2006-01-02"),
	}
	for _, e := range events {
		agg.RequestCount++
		if e.Status == store.StatusSuccess {
			agg.SuccessCount++
		} else {
			agg.ErrorCount++
		}
		agg.InTokens += e.InputTokens
		agg.OutTokens += e.OutputTokens
		agg.CostCents += e.CostCents
		if e.BillingSource == store.SourceAllowance {
			agg.AllowanceUsed++
		}
	}
	return agg
}

// Shutdown stops the periodic flusher, drains the buffer synchronously,
// then waits for in-flight workers to finish (spec §4.10 "Shutdown").
func (p *Pipeline) Shutdown(ctx context.Context) {
	close(p.stopFlush)
	<-p.flushDone
	close(p.jobs)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("usage pipeline shutdown timed out waiting for workers")
	}
}

// Stats exposes counters for observability.
type Stats struct {
	Published int64
	Processed int64
	Failed    int64
	Dropped   int64
}

func (p *Pipeline) Stats() Stats {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	return Stats{
		Published: p.stats.published,
		Processed: p.stats.processed,
		Failed:    p.stats.failed,
		Dropped:   p.stats.dropped,
	}
}
