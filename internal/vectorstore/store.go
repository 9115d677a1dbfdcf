package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("communityd.vectorstore")

// Config holds configuration for the vector store.
type Config struct {
	// Path is the directory holding one snapshot file per tenant.
	Path string
	// MinSimilarity excludes low-confidence matches from search results.
	MinSimilarity float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "data/vectorstore"
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.7
	}
}

// Store owns every tenant collection in the process. Each collection is held
// fully in memory for serving with a durable gob snapshot on disk, and is
// mutated only under its own lock: writers serialize per tenant, readers
// proceed concurrently and observe either the pre- or post-upsert state.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // guards the tenants map, not collection contents
	tenants map[string]*collection
}

// collection is the in-memory working set of one tenant.
type collection struct {
	mu      sync.RWMutex
	loaded  bool
	dim     int // fixed by the first successful insert
	records map[string]Record
}

// New creates a Store persisting snapshots under cfg.Path.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory %s: %w", cfg.Path, err)
	}

	logger.Info("vector store initialized",
		zap.String("path", cfg.Path),
		zap.Float64("min_similarity", cfg.MinSimilarity),
	)

	return &Store{
		cfg:     cfg,
		logger:  logger,
		tenants: make(map[string]*collection),
	}, nil
}

// handle returns the collection for a tenant, creating the in-memory entry
// lazily. Snapshot loading happens under the collection lock so concurrent
// callers never observe a half-loaded collection.
func (s *Store) handle(tenant string) (*collection, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	s.mu.Lock()
	col, ok := s.tenants[tenant]
	if !ok {
		col = &collection{records: make(map[string]Record)}
		s.tenants[tenant] = col
	}
	s.mu.Unlock()
	return col, nil
}

// ensureLoaded reads the tenant snapshot once. Caller must hold col.mu for
// writing. A tenant that has never been persisted is empty, not an error.
func (s *Store) ensureLoaded(tenant string, col *collection) error {
	if col.loaded {
		return nil
	}
	snap, err := readSnapshot(s.snapshotPath(tenant))
	if err != nil {
		return err
	}
	if snap != nil {
		col.dim = snap.Dimension
		col.records = snap.Records
	}
	col.loaded = true
	return nil
}

// Upsert inserts or replaces the record for (content type, source id) in the
// tenant's collection and persists the snapshot. The first successful insert
// fixes the collection's dimension; a mismatched vector is rejected and the
// collection left unchanged.
func (s *Store) Upsert(ctx context.Context, tenant string, rec Record) error {
	ctx, span := tracer.Start(ctx, "Store.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenant),
		attribute.String("record", rec.Key()),
	)

	if !rec.ContentType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, rec.ContentType)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrInvalidVector, rec.Key())
	}

	col, err := s.handle(tenant)
	if err != nil {
		return err
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	if err := s.ensureLoaded(tenant, col); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if col.dim != 0 && len(rec.Vector) != col.dim {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, len(rec.Vector), col.dim)
	}

	key := rec.Key()
	prev, existed := col.records[key]
	col.records[key] = rec
	if col.dim == 0 {
		col.dim = len(rec.Vector)
	}

	if err := writeSnapshot(s.snapshotPath(tenant), &snapshot{
		Dimension: col.dim,
		Records:   col.records,
	}); err != nil {
		// Roll the in-memory state back so memory and disk stay consistent.
		if existed {
			col.records[key] = prev
		} else {
			delete(col.records, key)
			if len(col.records) == 0 {
				col.dim = 0
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persisting tenant %s: %w", tenant, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted record",
		zap.String("tenant", tenant),
		zap.String("record", key),
		zap.Bool("replaced", existed),
	)
	return nil
}

// Delete removes the record for (content type, source id) if present and
// persists the snapshot.
func (s *Store) Delete(ctx context.Context, tenant string, contentType ContentType, sourceID int64) error {
	col, err := s.handle(tenant)
	if err != nil {
		return err
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	if err := s.ensureLoaded(tenant, col); err != nil {
		return err
	}

	key := Record{ContentType: contentType, SourceID: sourceID}.Key()
	prev, existed := col.records[key]
	if !existed {
		return nil
	}
	delete(col.records, key)

	if err := writeSnapshot(s.snapshotPath(tenant), &snapshot{
		Dimension: col.dim,
		Records:   col.records,
	}); err != nil {
		col.records[key] = prev
		return fmt.Errorf("persisting tenant %s: %w", tenant, err)
	}
	return nil
}

// Search returns up to k records ranked by cosine similarity against the
// query vector. The type filter, when set, restricts candidates before
// ranking. Results under the similarity threshold are excluded; ties break
// toward the more recently indexed record.
func (s *Store) Search(ctx context.Context, tenant string, query []float32, k int, typeFilter ContentType) ([]ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "Store.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("k", k),
		attribute.String("type_filter", string(typeFilter)),
	)

	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrInvalidVector)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if typeFilter != "" && !typeFilter.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, typeFilter)
	}

	col, err := s.handle(tenant)
	if err != nil {
		return nil, err
	}

	// First touch of a tenant loads its snapshot under the write lock.
	col.mu.RLock()
	loaded := col.loaded
	col.mu.RUnlock()
	if !loaded {
		col.mu.Lock()
		err := s.ensureLoaded(tenant, col)
		col.mu.Unlock()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	col.mu.RLock()
	defer col.mu.RUnlock()

	results := make([]ScoredRecord, 0, len(col.records))
	for _, rec := range col.records {
		if typeFilter != "" && rec.ContentType != typeFilter {
			continue
		}
		score := cosineSimilarity(query, rec.Vector)
		if score < s.cfg.MinSimilarity {
			continue
		}
		results = append(results, ScoredRecord{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.IndexedAt.After(results[j].Record.IndexedAt)
	})

	if len(results) > k {
		results = results[:k]
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// TenantStats returns the record count and dimension of one tenant.
func (s *Store) TenantStats(tenant string) (Stats, error) {
	col, err := s.handle(tenant)
	if err != nil {
		return Stats{}, err
	}
	col.mu.Lock()
	if err := s.ensureLoaded(tenant, col); err != nil {
		col.mu.Unlock()
		return Stats{}, err
	}
	stats := Stats{Tenant: tenant, Records: len(col.records), Dimension: col.dim}
	col.mu.Unlock()
	return stats, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero magnitude score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
