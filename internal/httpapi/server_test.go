package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/contentstore"
	"github.com/ayrusarun/college-community-api/internal/conversation"
	"github.com/ayrusarun/college-community-api/internal/extraction"
	"github.com/ayrusarun/college-community-api/internal/indexer"
	"github.com/ayrusarun/college-community-api/internal/retrieval"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

type fixedEmbedder struct {
	vector []float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vector, nil
}

type fixedChatter struct {
	answer string
}

func (f *fixedChatter) Complete(ctx context.Context, system, user string) (string, error) {
	return f.answer, nil
}

type testServer struct {
	server  *Server
	content *contentstore.Store
	vectors *vectorstore.Store
	orch    *indexer.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	content, err := contentstore.Open(filepath.Join(dir, "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { content.Close() })

	tasks, err := indexer.NewTaskStore(content.DB())
	require.NoError(t, err)
	conversations, err := conversation.NewStore(content.DB())
	require.NoError(t, err)

	vectors, err := vectorstore.New(vectorstore.Config{Path: filepath.Join(dir, "vectors")}, logger)
	require.NoError(t, err)

	embedder := &fixedEmbedder{vector: []float32{1, 0, 0, 0}}
	extractor := extraction.New(extraction.Config{}, logger)

	orch, err := indexer.New(indexer.Config{Workers: 2, RetryDelay: 10 * time.Millisecond},
		tasks, content, extractor, embedder, vectors, logger)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	svc := retrieval.New(retrieval.Config{}, embedder, vectors,
		&fixedChatter{answer: "Labs run Tuesday [Source 1]."}, conversations, logger)

	server, err := NewServer(Config{Host: "localhost", Port: 0}, orch, svc, vectors, conversations, logger)
	require.NoError(t, err)

	return &testServer{server: server, content: content, vectors: vectors, orch: orch}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func tenantHeaders() map[string]string {
	return map[string]string{HeaderCollegeID: "engineering", HeaderUserID: "u1"}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/search", SearchRequest{Query: "q"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/ai/search", SearchRequest{Query: "q"},
		map[string]string{HeaderCollegeID: "../escape"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexAllAndStats(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.content.CreateFile(ctx, &contentstore.File{
		CollegeID: "engineering",
		Filename:  "labs.txt",
		MimeType:  "text/plain",
		Data:      []byte("Lab sessions run every Tuesday and Thursday from 2pm in block C."),
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/index", IndexRequest{ContentType: "all"}, tenantHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, decode[IndexResponse](t, rec).TasksCreated)

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/ai/stats", nil, tenantHeaders())
		if rec.Code != http.StatusOK {
			return false
		}
		stats := decode[StatsResponse](t, rec)
		return stats.Tasks[indexer.StatusCompleted] == 1 && stats.Vectors.Records == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIndexSpecificIDs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	id, err := ts.content.CreatePost(ctx, &contentstore.Post{
		CollegeID: "engineering", Title: "exam schedule", Content: "Exams start May 2.",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/index",
		IndexRequest{ContentType: "post", ContentIDs: []int64{id}}, tenantHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, decode[IndexResponse](t, rec).TasksCreated)

	// A duplicate trigger while the task is outstanding is a no-op.
	rec = ts.do(t, http.MethodPost, "/api/v1/ai/index",
		IndexRequest{ContentType: "post", ContentIDs: []int64{id}}, tenantHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, decode[IndexResponse](t, rec).TasksCreated)
}

func TestIndexRejectsUnknownContentType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/ai/index",
		IndexRequest{ContentType: "wiki"}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedVector(t *testing.T, vectors *vectorstore.Store, ctype vectorstore.ContentType, id int64, md vectorstore.Metadata) {
	t.Helper()
	require.NoError(t, vectors.Upsert(context.Background(), "engineering", vectorstore.Record{
		ContentType: ctype,
		SourceID:    id,
		Vector:      []float32{1, 0, 0, 0},
		Metadata:    md,
		IndexedAt:   time.Now(),
	}))
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)
	seedVector(t, ts.vectors, vectorstore.TypeFile, 1,
		vectorstore.Metadata{Title: "labs.txt", Preview: "Lab sessions run Tuesday."})

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/search",
		SearchRequest{Query: "when are labs"}, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SearchResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "file_1", resp.Results[0].ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/ai/search",
		SearchRequest{Query: "   "}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/ai/search",
		SearchRequest{Query: "q", ContentType: "wiki"}, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskAndConversations(t *testing.T) {
	ts := newTestServer(t)
	seedVector(t, ts.vectors, vectorstore.TypeFile, 1,
		vectorstore.Metadata{Title: "labs.txt", Preview: "Lab sessions run Tuesday."})

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/ask",
		AskRequest{Question: "when are labs?"}, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	answer := decode[retrieval.Answer](t, rec)
	assert.Equal(t, "Labs run Tuesday [Source 1].", answer.Answer)
	assert.False(t, answer.Unsupported)
	assert.NotEmpty(t, answer.ConversationID)

	rec = ts.do(t, http.MethodGet, "/api/v1/ai/conversations?limit=10", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decode[ConversationsResponse](t, rec)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "when are labs?", convs.Conversations[0].Question)
	assert.Equal(t, []string{"file_1"}, convs.Conversations[0].Sources)

	// Identity is required for ask and history.
	noUser := map[string]string{HeaderCollegeID: "engineering"}
	rec = ts.do(t, http.MethodPost, "/api/v1/ai/ask", AskRequest{Question: "q"}, noUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/ai/conversations", nil, noUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskWithoutContextIsUnsupported(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/ask",
		AskRequest{Question: "when are labs?"}, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	answer := decode[retrieval.Answer](t, rec)
	assert.True(t, answer.Unsupported)
	assert.Empty(t, answer.Sources)
	// Answered by the chat service under the no-context framing, not a
	// canned string.
	assert.Equal(t, "Labs run Tuesday [Source 1].", answer.Answer)
	assert.NotEmpty(t, answer.ConversationID)
}

func TestTasksFilter(t *testing.T) {
	ts := newTestServer(t)

	// Enqueue a task for missing content: it fails terminally.
	rec := ts.do(t, http.MethodPost, "/api/v1/ai/index",
		IndexRequest{ContentType: "file", ContentIDs: []int64{404}}, tenantHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/ai/tasks?status=failed", nil, tenantHeaders())
		if rec.Code != http.StatusOK {
			return false
		}
		resp := decode[TasksResponse](t, rec)
		return len(resp.Tasks) == 1 && resp.Tasks[0].Status == indexer.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodGet, "/api/v1/ai/tasks?status=pending", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[TasksResponse](t, rec).Tasks)
}
