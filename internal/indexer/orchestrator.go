package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/contentstore"
	"github.com/ayrusarun/college-community-api/internal/embeddings"
	"github.com/ayrusarun/college-community-api/internal/extraction"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

var tracer = otel.Tracer("communityd.indexer")

const previewChars = 500

// Embedder turns composed text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds orchestrator settings.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// RetryDelay is the base requeue delay, doubled per failed attempt.
	RetryDelay time.Duration
	// ExtractTimeout bounds a single extraction including OCR subprocesses.
	// Zero means no bound beyond the worker context.
	ExtractTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// Orchestrator accepts indexing triggers, deduplicates them against
// outstanding work, and drives the pipeline through a bounded worker pool.
// At most one task per (tenant, content type, source) is in flight at a time.
type Orchestrator struct {
	cfg       Config
	tasks     *TaskStore
	content   *contentstore.Store
	extractor *extraction.Extractor
	embedder  Embedder
	vectors   *vectorstore.Store
	logger    *zap.Logger

	queue chan string

	mu       sync.Mutex
	inflight map[string]string // source key -> task ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tasksEnqueued  metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksRetried   metric.Int64Counter
	tasksFailed    metric.Int64Counter
}

// New creates an Orchestrator. Start must be called before tasks are served.
func New(cfg Config, tasks *TaskStore, content *contentstore.Store, extractor *extraction.Extractor, embedder Embedder, vectors *vectorstore.Store, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	o := &Orchestrator{
		cfg:       cfg,
		tasks:     tasks,
		content:   content,
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		logger:    logger,
		queue:     make(chan string, cfg.QueueSize),
		inflight:  make(map[string]string),
	}

	meter := otel.Meter("communityd.indexer")
	var err error
	if o.tasksEnqueued, err = meter.Int64Counter("indexer.tasks.enqueued",
		metric.WithDescription("Indexing tasks accepted into the queue")); err != nil {
		return nil, fmt.Errorf("creating enqueued counter: %w", err)
	}
	if o.tasksCompleted, err = meter.Int64Counter("indexer.tasks.completed",
		metric.WithDescription("Indexing tasks completed successfully")); err != nil {
		return nil, fmt.Errorf("creating completed counter: %w", err)
	}
	if o.tasksRetried, err = meter.Int64Counter("indexer.tasks.retried",
		metric.WithDescription("Indexing task attempts requeued after transient failure")); err != nil {
		return nil, fmt.Errorf("creating retried counter: %w", err)
	}
	if o.tasksFailed, err = meter.Int64Counter("indexer.tasks.failed",
		metric.WithDescription("Indexing tasks terminally failed")); err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return o, nil
}

// Start recovers persisted work and launches the worker pool. Tasks stranded
// in processing by a crash are requeued before workers begin.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	recovered, err := o.tasks.RequeueProcessing(ctx)
	if err != nil {
		return err
	}
	pending, err := o.tasks.ListPending(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	for _, t := range pending {
		key := sourceKey(t.TenantID, t.ContentType, t.SourceID)
		if _, ok := o.inflight[key]; ok {
			continue // already queued by an Enqueue call before Start
		}
		select {
		case o.queue <- t.ID:
			o.inflight[key] = t.ID
		default:
			o.logger.Warn("queue full during recovery, task stays pending",
				zap.String("task_id", t.ID))
		}
	}
	o.mu.Unlock()

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	o.logger.Info("indexer started",
		zap.Int("workers", o.cfg.Workers),
		zap.Int("queue_size", o.cfg.QueueSize),
		zap.Int64("recovered", recovered),
		zap.Int("requeued", len(pending)),
	)
	return nil
}

// Stop drains the workers. Queued tasks stay pending in the store and are
// picked up by the next Start.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("indexer stopped")
}

// Enqueue registers an indexing task for one source item. A trigger for an
// item that already has a pending or processing task is a no-op returning the
// outstanding task.
func (o *Orchestrator) Enqueue(ctx context.Context, tenantID string, contentType vectorstore.ContentType, sourceID int64) (*Task, bool, error) {
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, false, err
	}
	if !contentType.Valid() {
		return nil, false, fmt.Errorf("%w: %q", vectorstore.ErrInvalidContentType, contentType)
	}

	key := sourceKey(tenantID, contentType, sourceID)

	o.mu.Lock()
	defer o.mu.Unlock()

	if id, ok := o.inflight[key]; ok {
		t, err := o.tasks.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return t, false, nil
	}
	// The inflight map is rebuilt on Start, but an outstanding row may exist
	// only in the store: created before a restart and not yet queued. Such a
	// task must be queued here, not just marked inflight, or it would strand
	// behind no-op triggers until the next restart.
	if t, err := o.tasks.Active(ctx, tenantID, contentType, sourceID); err == nil {
		if t.Status == StatusPending {
			select {
			case o.queue <- t.ID:
				o.inflight[key] = t.ID
			default:
				// Queue still full; the row stays pending for a later
				// trigger or the next Start to pick up.
			}
		} else {
			o.inflight[key] = t.ID
		}
		return t, false, nil
	} else if !errors.Is(err, ErrTaskNotFound) {
		return nil, false, err
	}

	t := &Task{
		TenantID:    tenantID,
		ContentType: contentType,
		SourceID:    sourceID,
	}
	if err := o.tasks.Create(ctx, t); err != nil {
		return nil, false, err
	}

	select {
	case o.queue <- t.ID:
	default:
		if err := o.tasks.Delete(ctx, t.ID); err != nil {
			o.logger.Warn("removing task after queue rejection failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		return nil, false, ErrQueueFull
	}
	o.inflight[key] = t.ID

	o.tasksEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("content_type", string(contentType)),
	))
	o.logger.Debug("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("tenant", tenantID),
		zap.String("content_type", string(contentType)),
		zap.Int64("source_id", sourceID),
	)
	return t, true, nil
}

// TriggerAll enqueues every indexable item of a tenant: its files, posts,
// and college info row. With force set, already-indexed files and posts are
// included for re-indexing; the info row carries no indexed flag and is
// always refreshed. Returns the number of tasks created.
func (o *Orchestrator) TriggerAll(ctx context.Context, tenantID string, force bool) (int, error) {
	created := 0
	for _, ct := range []vectorstore.ContentType{
		vectorstore.TypeFile, vectorstore.TypePost, vectorstore.TypeCollegeInfo,
	} {
		n, err := o.TriggerType(ctx, tenantID, ct, force)
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// TriggerType enqueues every indexable item of one content type.
func (o *Orchestrator) TriggerType(ctx context.Context, tenantID string, contentType vectorstore.ContentType, force bool) (int, error) {
	created := 0
	enqueue := func(sourceID int64) error {
		_, ok, err := o.Enqueue(ctx, tenantID, contentType, sourceID)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
		return nil
	}

	switch contentType {
	case vectorstore.TypeFile:
		files, err := o.content.ListFiles(ctx, tenantID, !force)
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			if err := enqueue(f.ID); err != nil {
				return created, err
			}
		}

	case vectorstore.TypePost:
		posts, err := o.content.ListPosts(ctx, tenantID, !force)
		if err != nil {
			return 0, err
		}
		for _, p := range posts {
			if err := enqueue(p.ID); err != nil {
				return created, err
			}
		}

	case vectorstore.TypeCollegeInfo:
		info, err := o.content.GetCollegeInfo(ctx, tenantID)
		if errors.Is(err, contentstore.ErrNotFound) {
			return 0, nil // no info row yet; nothing to index
		}
		if err != nil {
			return 0, err
		}
		if err := enqueue(info.ID); err != nil {
			return created, err
		}

	default:
		return 0, fmt.Errorf("%w: %q", vectorstore.ErrInvalidContentType, contentType)
	}
	return created, nil
}

// Stats returns per-status task counts for a tenant.
func (o *Orchestrator) Stats(ctx context.Context, tenantID string) (map[Status]int64, error) {
	return o.tasks.CountByStatus(ctx, tenantID)
}

// Tasks returns a tenant's recent tasks, newest first, optionally filtered
// by status.
func (o *Orchestrator) Tasks(ctx context.Context, tenantID string, status Status, limit int) ([]Task, error) {
	return o.tasks.ListByTenant(ctx, tenantID, status, limit)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.queue:
			o.process(id)
		}
	}
}

// process runs one attempt of a task and decides its fate: completed,
// requeued with backoff, or terminally failed.
func (o *Orchestrator) process(id string) {
	ctx, span := tracer.Start(o.ctx, "Orchestrator.process")
	defer span.End()

	t, err := o.tasks.MarkProcessing(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("claiming task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	span.SetAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("tenant", t.TenantID),
		attribute.String("content_type", string(t.ContentType)),
		attribute.Int64("source_id", t.SourceID),
		attribute.Int("attempt", t.Attempts),
	)

	indexErr := o.index(ctx, t)
	attrs := metric.WithAttributes(
		attribute.String("tenant", t.TenantID),
		attribute.String("content_type", string(t.ContentType)),
	)

	switch {
	case indexErr == nil:
		o.finish(ctx, t, StatusCompleted, "")
		o.tasksCompleted.Add(ctx, 1, attrs)
		span.SetStatus(codes.Ok, "success")
		o.logger.Info("task completed",
			zap.String("task_id", t.ID),
			zap.String("tenant", t.TenantID),
			zap.String("content_type", string(t.ContentType)),
			zap.Int64("source_id", t.SourceID),
			zap.Int("attempts", t.Attempts),
		)

	case retryable(indexErr) && t.Attempts < o.cfg.MaxAttempts:
		if err := o.tasks.SetStatus(ctx, t.ID, StatusPending, indexErr.Error()); err != nil {
			o.logger.Error("requeueing task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		o.tasksRetried.Add(ctx, 1, attrs)
		delay := o.cfg.RetryDelay << (t.Attempts - 1)
		o.requeueAfter(t.ID, delay)
		span.RecordError(indexErr)
		o.logger.Warn("task attempt failed, requeued",
			zap.String("task_id", t.ID),
			zap.Int("attempt", t.Attempts),
			zap.Duration("delay", delay),
			zap.Error(indexErr),
		)

	default:
		o.finish(ctx, t, StatusFailed, indexErr.Error())
		o.tasksFailed.Add(ctx, 1, attrs)
		span.RecordError(indexErr)
		span.SetStatus(codes.Error, indexErr.Error())
		o.logger.Error("task failed",
			zap.String("task_id", t.ID),
			zap.String("tenant", t.TenantID),
			zap.String("content_type", string(t.ContentType)),
			zap.Int64("source_id", t.SourceID),
			zap.Int("attempts", t.Attempts),
			zap.Error(indexErr),
		)
	}
}

// finish records a terminal status and releases the source for new triggers.
func (o *Orchestrator) finish(ctx context.Context, t *Task, status Status, lastError string) {
	if err := o.tasks.SetStatus(ctx, t.ID, status, lastError); err != nil {
		o.logger.Error("recording task status failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	o.mu.Lock()
	delete(o.inflight, sourceKey(t.TenantID, t.ContentType, t.SourceID))
	o.mu.Unlock()
}

// requeueAfter puts a task back on the queue once the backoff delay elapses.
// The source stays inflight so duplicate triggers remain no-ops while the
// task waits.
func (o *Orchestrator) requeueAfter(id string, delay time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-o.ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case o.queue <- id:
		case <-o.ctx.Done():
		}
	}()
}

// index runs the pipeline for one task: fetch content, extract text, compose
// the embedding document, embed, upsert, and flag the source row indexed.
func (o *Orchestrator) index(ctx context.Context, t *Task) error {
	switch t.ContentType {
	case vectorstore.TypeFile:
		return o.indexFile(ctx, t)
	case vectorstore.TypePost:
		return o.indexPost(ctx, t)
	case vectorstore.TypeCollegeInfo:
		return o.indexCollegeInfo(ctx, t)
	default:
		return fmt.Errorf("%w: %q", vectorstore.ErrInvalidContentType, t.ContentType)
	}
}

func (o *Orchestrator) indexFile(ctx context.Context, t *Task) error {
	f, err := o.content.GetFile(ctx, t.TenantID, t.SourceID)
	if err != nil {
		return err
	}
	data, err := f.Bytes()
	if err != nil {
		return err
	}

	extractCtx := ctx
	if o.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, o.cfg.ExtractTimeout)
		defer cancel()
	}
	content, err := o.extractor.Extract(extractCtx, extraction.Artifact{
		Filename: f.Filename,
		MimeType: f.MimeType,
		Data:     data,
	})
	if err != nil {
		return err
	}

	text := extraction.ComposeFile(f, o.collegeName(ctx, t.TenantID), content)
	vector, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	if err := o.vectors.Upsert(ctx, t.TenantID, vectorstore.Record{
		ContentType: vectorstore.TypeFile,
		SourceID:    f.ID,
		Vector:      vector,
		Metadata: vectorstore.Metadata{
			Title:       f.Filename,
			Filename:    f.Filename,
			Department:  f.Department,
			Author:      f.Uploader,
			Preview:     extraction.Preview(content, previewChars),
			MimeType:    f.MimeType,
			Description: f.Description,
		},
		IndexedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	return o.content.SetFileIndexed(ctx, t.TenantID, f.ID, true)
}

func (o *Orchestrator) indexPost(ctx context.Context, t *Task) error {
	p, err := o.content.GetPost(ctx, t.TenantID, t.SourceID)
	if err != nil {
		return err
	}

	text := extraction.ComposePost(p, o.collegeName(ctx, t.TenantID))
	vector, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	if err := o.vectors.Upsert(ctx, t.TenantID, vectorstore.Record{
		ContentType: vectorstore.TypePost,
		SourceID:    p.ID,
		Vector:      vector,
		Metadata: vectorstore.Metadata{
			Title:      p.Title,
			Department: p.Department,
			Author:     p.Author,
			Preview:    extraction.Preview(p.Content, previewChars),
		},
		IndexedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	return o.content.SetPostIndexed(ctx, t.TenantID, p.ID, true)
}

func (o *Orchestrator) indexCollegeInfo(ctx context.Context, t *Task) error {
	info, err := o.content.GetCollegeInfo(ctx, t.TenantID)
	if err != nil {
		return err
	}

	text := extraction.ComposeCollegeInfo(info)
	vector, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}

	return o.vectors.Upsert(ctx, t.TenantID, vectorstore.Record{
		ContentType: vectorstore.TypeCollegeInfo,
		SourceID:    info.ID,
		Vector:      vector,
		Metadata: vectorstore.Metadata{
			Title:   info.Name,
			Preview: extraction.Preview(text, previewChars),
		},
		IndexedAt: time.Now().UTC(),
	})
}

// collegeName resolves the display name for composed documents. A tenant
// without an info row falls back to its identifier.
func (o *Orchestrator) collegeName(ctx context.Context, tenantID string) string {
	info, err := o.content.GetCollegeInfo(ctx, tenantID)
	if err != nil {
		return tenantID
	}
	return info.Name
}

// retryable reports whether an attempt failure is worth retrying. Missing
// content, unusable documents, and contract violations fail terminally;
// everything else (service hiccups, I/O) gets another attempt.
func retryable(err error) bool {
	for _, terminal := range []error{
		contentstore.ErrNotFound,
		extraction.ErrNoText,
		extraction.ErrUnsupportedFormat,
		extraction.ErrOCRUnavailable,
		embeddings.ErrTerminal,
		embeddings.ErrDimensionMismatch,
		vectorstore.ErrDimensionMismatch,
		vectorstore.ErrInvalidVector,
		vectorstore.ErrInvalidTenant,
		vectorstore.ErrInvalidContentType,
	} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

func sourceKey(tenantID string, contentType vectorstore.ContentType, sourceID int64) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, contentType, sourceID)
}
