package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/contentstore"
	"github.com/ayrusarun/college-community-api/internal/indexer"
	"github.com/ayrusarun/college-community-api/internal/retrieval"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

// IndexRequest is the request body for POST /api/v1/ai/index.
type IndexRequest struct {
	// ContentType is file, post, college_info, or all. Empty means all.
	ContentType string  `json:"content_type"`
	ContentIDs  []int64 `json:"content_ids"`
	// Force includes already-indexed items for re-indexing.
	Force bool `json:"force"`
}

// IndexResponse is the response body for POST /api/v1/ai/index.
type IndexResponse struct {
	TasksCreated int `json:"tasks_created"`
}

func (s *Server) handleIndex(c echo.Context) error {
	var req IndexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tenant := tenantID(c)
	ctx := c.Request().Context()

	if req.ContentType == "" || req.ContentType == "all" {
		if len(req.ContentIDs) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "content_ids requires a specific content_type")
		}
		created, err := s.orchestrator.TriggerAll(ctx, tenant, req.Force)
		if err != nil {
			return s.mapError(c, err)
		}
		return c.JSON(http.StatusAccepted, IndexResponse{TasksCreated: created})
	}

	contentType := vectorstore.ContentType(req.ContentType)
	if !contentType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "content_type must be file, post, college_info, or all")
	}

	if len(req.ContentIDs) == 0 {
		created, err := s.orchestrator.TriggerType(ctx, tenant, contentType, req.Force)
		if err != nil {
			return s.mapError(c, err)
		}
		return c.JSON(http.StatusAccepted, IndexResponse{TasksCreated: created})
	}

	created := 0
	for _, id := range req.ContentIDs {
		_, ok, err := s.orchestrator.Enqueue(ctx, tenant, contentType, id)
		if err != nil {
			return s.mapError(c, err)
		}
		if ok {
			created++
		}
	}
	return c.JSON(http.StatusAccepted, IndexResponse{TasksCreated: created})
}

// SearchRequest is the request body for POST /api/v1/ai/search.
type SearchRequest struct {
	Query       string `json:"query"`
	ContentType string `json:"content_type"`
	Limit       int    `json:"limit"`
}

// SearchResponse is the response body for POST /api/v1/ai/search.
type SearchResponse struct {
	Results []retrieval.Result `json:"results"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.retrieval.Search(c.Request().Context(), tenantID(c),
		req.Query, vectorstore.ContentType(req.ContentType), req.Limit)
	if err != nil {
		return s.mapError(c, err)
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// AskRequest is the request body for POST /api/v1/ai/ask.
type AskRequest struct {
	Question    string `json:"question"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user := userID(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+HeaderUserID+" header")
	}

	answer, err := s.retrieval.Ask(c.Request().Context(), tenantID(c), user,
		req.Question, vectorstore.ContentType(req.ContentType))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, answer)
}

// ConversationsResponse is the response body for GET /api/v1/ai/conversations.
type ConversationsResponse struct {
	Conversations []conversationView `json:"conversations"`
}

type conversationView struct {
	ID          string   `json:"id"`
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Sources     []string `json:"sources"`
	Unsupported bool     `json:"unsupported"`
	CreatedAt   string   `json:"created_at"`
}

func (s *Server) handleConversations(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+HeaderUserID+" header")
	}
	limit := queryInt(c, "limit", 0)
	offset := queryInt(c, "offset", 0)

	list, err := s.retrieval.History(c.Request().Context(), tenantID(c), user, limit, offset)
	if err != nil {
		return s.mapError(c, err)
	}

	views := make([]conversationView, 0, len(list))
	for _, conv := range list {
		views = append(views, conversationView{
			ID:          conv.ID,
			Question:    conv.Question,
			Answer:      conv.Answer,
			Sources:     conv.SourceRecordIDs,
			Unsupported: conv.Unsupported,
			CreatedAt:   conv.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return c.JSON(http.StatusOK, ConversationsResponse{Conversations: views})
}

// TasksResponse is the response body for GET /api/v1/ai/tasks.
type TasksResponse struct {
	Tasks []indexer.Task `json:"tasks"`
}

func (s *Server) handleTasks(c echo.Context) error {
	limit := queryInt(c, "limit", 0)
	status := indexer.Status(c.QueryParam("status"))
	tasks, err := s.orchestrator.Tasks(c.Request().Context(), tenantID(c), status, limit)
	if err != nil {
		return s.mapError(c, err)
	}
	if tasks == nil {
		tasks = []indexer.Task{}
	}
	return c.JSON(http.StatusOK, TasksResponse{Tasks: tasks})
}

// StatsResponse is the response body for GET /api/v1/ai/stats.
type StatsResponse struct {
	Vectors       vectorstore.Stats        `json:"vectors"`
	Tasks         map[indexer.Status]int64 `json:"tasks"`
	Conversations int64                    `json:"conversations"`
}

func (s *Server) handleStats(c echo.Context) error {
	tenant := tenantID(c)
	ctx := c.Request().Context()

	vectorStats, err := s.vectors.TenantStats(tenant)
	if err != nil {
		return s.mapError(c, err)
	}
	taskStats, err := s.orchestrator.Stats(ctx, tenant)
	if err != nil {
		return s.mapError(c, err)
	}
	convCount, err := s.conversations.Count(ctx, tenant)
	if err != nil {
		return s.mapError(c, err)
	}

	return c.JSON(http.StatusOK, StatsResponse{
		Vectors:       vectorStats,
		Tasks:         taskStats,
		Conversations: convCount,
	})
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, vectorstore.ErrInvalidContentType),
		errors.Is(err, vectorstore.ErrInvalidTenant),
		errors.Is(err, vectorstore.ErrInvalidVector):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, contentstore.ErrNotFound), errors.Is(err, indexer.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, indexer.ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, retrieval.ErrAnswering):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
