package vectorstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

func newTestStore(t *testing.T) (*vectorstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := vectorstore.New(vectorstore.Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	return store, dir
}

// axis returns a unit vector along the given axis of a 4-dim space.
func axis(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

func fileRecord(id int64, title string, vec []float32) vectorstore.Record {
	return vectorstore.Record{
		ContentType: vectorstore.TypeFile,
		SourceID:    id,
		Vector:      vec,
		Metadata:    vectorstore.Metadata{Title: title, Filename: title},
		IndexedAt:   time.Now(),
	}
}

func TestUpsertAndSearch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "syllabus.pdf", axis(0))))
	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(2, "handbook.pdf", axis(1))))

	results, err := store.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Record.SourceID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestReindexIsUpsertNotAppend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := fileRecord(1, "syllabus.pdf", axis(0))
	first.IndexedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Upsert(ctx, "engineering", first))

	second := fileRecord(1, "syllabus.pdf", axis(0))
	require.NoError(t, store.Upsert(ctx, "engineering", second))

	stats, err := store.TenantStats("engineering")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)

	results, err := store.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.WithinDuration(t, second.IndexedAt, results[0].Record.IndexedAt, time.Second)
}

func TestTenantIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "eng.pdf", axis(0))))
	require.NoError(t, store.Upsert(ctx, "medicine", fileRecord(2, "med.pdf", axis(0))))

	// Identical vectors: similarity alone must never leak across tenants.
	results, err := store.Search(ctx, "engineering", axis(0), 10, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "eng.pdf", results[0].Record.Metadata.Filename)
}

func TestThresholdExcludesLowConfidence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Orthogonal to the query: similarity 0, below the 0.7 default.
	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "a.pdf", axis(1))))
	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(2, "b.pdf", axis(2))))

	results, err := store.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionGuard(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "a.pdf", axis(0))))

	bad := fileRecord(2, "b.pdf", []float32{1, 0})
	err := store.Upsert(ctx, "engineering", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

	// Existing collection unchanged.
	stats, err := store.TenantStats("engineering")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 4, stats.Dimension)
}

func TestEmptyVectorRejected(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Upsert(context.Background(), "engineering", fileRecord(1, "a.pdf", nil))
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)
}

func TestContentTypeFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "scan.pdf", axis(0))))
	post := vectorstore.Record{
		ContentType: vectorstore.TypePost,
		SourceID:    1,
		Vector:      axis(0),
		Metadata:    vectorstore.Metadata{Title: "lab schedule"},
		IndexedAt:   time.Now(),
	}
	require.NoError(t, store.Upsert(ctx, "engineering", post))

	// A file must not appear under a post filter even with perfect similarity.
	results, err := store.Search(ctx, "engineering", axis(0), 10, vectorstore.TypePost)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, vectorstore.TypePost, results[0].Record.ContentType)

	_, err = store.Search(ctx, "engineering", axis(0), 10, vectorstore.ContentType("bogus"))
	assert.ErrorIs(t, err, vectorstore.ErrInvalidContentType)
}

func TestRankingAndTieBreak(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	older := fileRecord(1, "older.pdf", axis(0))
	older.IndexedAt = time.Now().Add(-time.Hour)
	newer := fileRecord(2, "newer.pdf", axis(0))

	closeMatch := fileRecord(3, "close.pdf", []float32{0.9, 0.1, 0, 0})

	require.NoError(t, store.Upsert(ctx, "engineering", older))
	require.NoError(t, store.Upsert(ctx, "engineering", newer))
	require.NoError(t, store.Upsert(ctx, "engineering", closeMatch))

	results, err := store.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Exact matches first; the newer record wins the tie.
	assert.Equal(t, "newer.pdf", results[0].Record.Metadata.Filename)
	assert.Equal(t, "older.pdf", results[1].Record.Metadata.Filename)
	assert.Equal(t, "close.pdf", results[2].Record.Metadata.Filename)
}

func TestTopKCapping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(i, fmt.Sprintf("f%d.pdf", i), axis(0))))
	}

	results, err := store.Search(ctx, "engineering", axis(0), 3, "")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	rec := fileRecord(1, "persisted.pdf", axis(0))
	require.NoError(t, store.Upsert(ctx, "engineering", rec))

	// A fresh store over the same directory serves the persisted state.
	reopened, err := vectorstore.New(vectorstore.Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)

	results, err := reopened.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "persisted.pdf", results[0].Record.Metadata.Filename)

	stats, err := reopened.TenantStats("engineering")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Dimension)
}

func TestNeverPersistedTenantIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	results, err := store.Search(context.Background(), "ghost-college", axis(0), 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInvalidTenantID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"", "../escape", "UPPER", "a/b"} {
		err := store.Upsert(ctx, tenant, fileRecord(1, "a.pdf", axis(0)))
		assert.ErrorIs(t, err, vectorstore.ErrInvalidTenant, "tenant %q", tenant)
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "engineering", fileRecord(1, "a.pdf", axis(0))))
	require.NoError(t, store.Delete(ctx, "engineering", vectorstore.TypeFile, 1))

	results, err := store.Search(ctx, "engineering", axis(0), 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)

	// Deleting a missing record is a no-op.
	require.NoError(t, store.Delete(ctx, "engineering", vectorstore.TypeFile, 99))
}

func TestConcurrentUpsertAndSearch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec := fileRecord(int64(n*100+j), fmt.Sprintf("f-%d-%d.pdf", n, j), axis(0))
				if err := store.Upsert(ctx, "engineering", rec); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := store.Search(ctx, "engineering", axis(0), 5, ""); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// No concurrent insert may be silently dropped.
	stats, err := store.TenantStats("engineering")
	require.NoError(t, err)
	assert.Equal(t, 80, stats.Records)
}
