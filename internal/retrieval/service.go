// Package retrieval serves semantic search and retrieval-augmented answering
// over a tenant's indexed content.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/conversation"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

var tracer = otel.Tracer("communityd.retrieval")

// Sentinel errors for the retrieval taxonomy.
var (
	// ErrEmptyQuery indicates a blank search or ask input.
	ErrEmptyQuery = errors.New("empty query")
	// ErrAnswering indicates answer generation failed after a successful
	// search. Distinct from search failure: the caller may retry the ask
	// without re-triggering indexing.
	ErrAnswering = errors.New("answer generation failed")
)

// noContextNotice frames the prompt when a tenant has nothing relevant
// indexed. The chat service is still called so the user gets a real reply;
// the answer is tagged unsupported.
const noContextNotice = "No relevant indexed content was found for this question. " +
	"There is no context available."

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chatter produces an answer from a system prompt and a user message.
type Chatter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config holds query-time settings.
type Config struct {
	// DefaultK is the candidate count used when the caller does not specify
	// a limit.
	DefaultK int
	// ContextBudget caps the assembled context in characters. Records are
	// included whole, in rank order, until the budget is exhausted.
	ContextBudget int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultK == 0 {
		c.DefaultK = 8
	}
	if c.ContextBudget == 0 {
		c.ContextBudget = 6000
	}
}

// Result is one search hit with the metadata needed to render it.
type Result struct {
	ID          string                  `json:"id"`
	ContentType vectorstore.ContentType `json:"content_type"`
	SourceID    int64                   `json:"source_id"`
	Score       float64                 `json:"score"`
	Metadata    vectorstore.Metadata    `json:"metadata"`
}

// Answer is the outcome of one ask.
type Answer struct {
	Answer         string   `json:"answer"`
	Sources        []Result `json:"sources"`
	ConversationID string   `json:"conversation_id"`
	// Unsupported marks an answer produced without any retrieved context.
	Unsupported bool `json:"unsupported"`
}

// Service wires the embedding client, vector store, chat client, and
// conversation history into the query path.
type Service struct {
	cfg           Config
	embedder      Embedder
	store         *vectorstore.Store
	chat          Chatter
	conversations *conversation.Store
	logger        *zap.Logger
}

// New creates a retrieval Service.
func New(cfg Config, embedder Embedder, store *vectorstore.Store, chat Chatter, conversations *conversation.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Service{
		cfg:           cfg,
		embedder:      embedder,
		store:         store,
		chat:          chat,
		conversations: conversations,
		logger:        logger,
	}
}

// Search embeds the query and returns up to k ranked hits from the tenant's
// collection. k <= 0 uses the configured default.
func (s *Service) Search(ctx context.Context, tenantID, query string, typeFilter vectorstore.ContentType, k int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Service.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenantID),
		attribute.Int("k", k),
	)

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = s.cfg.DefaultK
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := s.store.Search(ctx, tenantID, vector, k, typeFilter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]Result, 0, len(scored))
	for _, sr := range scored {
		results = append(results, Result{
			ID:          sr.Record.Key(),
			ContentType: sr.Record.ContentType,
			SourceID:    sr.Record.SourceID,
			Score:       sr.Score,
			Metadata:    sr.Record.Metadata,
		})
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Ask answers a question from the tenant's indexed content. Retrieved records
// are assembled into the prompt whole, in rank order, until the context
// budget is exhausted; only the records actually included are cited as
// sources. With nothing relevant indexed, the chat service is still called
// with an explicit no-context framing and the answer is tagged unsupported.
// Every produced answer is recorded in the user's conversation history; a
// chat failure surfaces ErrAnswering and records nothing.
func (s *Service) Ask(ctx context.Context, tenantID, userID, question string, typeFilter vectorstore.ContentType) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "Service.Ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("user", userID),
	)

	results, err := s.Search(ctx, tenantID, question, typeFilter, s.cfg.DefaultK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	answer := &Answer{Sources: []Result{}}
	var contextText string
	if len(results) == 0 {
		answer.Unsupported = true
		contextText = noContextNotice
	} else {
		var used []Result
		contextText, used = s.assembleContext(results)
		answer.Sources = used
	}

	text, err := s.chat.Complete(ctx, systemPrompt(contextText), question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrAnswering, err)
	}
	answer.Answer = text

	conv := &conversation.Conversation{
		TenantID:        tenantID,
		UserID:          userID,
		Question:        question,
		Answer:          answer.Answer,
		SourceRecordIDs: sourceIDs(answer.Sources),
		Unsupported:     answer.Unsupported,
	}
	if err := s.conversations.Append(ctx, conv); err != nil {
		// History is best effort; the produced answer still stands.
		s.logger.Warn("recording conversation failed",
			zap.String("tenant", tenantID),
			zap.String("user", userID),
			zap.Error(err),
		)
	} else {
		answer.ConversationID = conv.ID
	}

	span.SetAttributes(
		attribute.Int("sources", len(answer.Sources)),
		attribute.Bool("unsupported", answer.Unsupported),
	)
	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// History returns a user's past conversations, newest first.
func (s *Service) History(ctx context.Context, tenantID, userID string, limit, offset int) ([]conversation.Conversation, error) {
	return s.conversations.ListByUser(ctx, tenantID, userID, limit, offset)
}

// assembleContext builds the prompt context from ranked results. Records go
// in whole; the first one that would exceed the budget stops assembly so a
// lower-ranked record never displaces a higher-ranked one. The top-ranked
// record always goes in, even over budget, so an oversized best match never
// yields an empty context.
func (s *Service) assembleContext(results []Result) (string, []Result) {
	var sb strings.Builder
	used := make([]Result, 0, len(results))
	for i, r := range results {
		block := sourceBlock(len(used)+1, r)
		if i > 0 && sb.Len()+len(block) > s.cfg.ContextBudget {
			break
		}
		sb.WriteString(block)
		used = append(used, r)
	}
	return sb.String(), used
}

func sourceBlock(n int, r Result) string {
	title := r.Metadata.Title
	if title == "" {
		title = r.ID
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Source %d] %s (%s", n, title, r.ContentType)
	if r.Metadata.Department != "" {
		fmt.Fprintf(&sb, ", %s", r.Metadata.Department)
	}
	sb.WriteString(")\n")
	if r.Metadata.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", r.Metadata.Description)
	}
	fmt.Fprintf(&sb, "%s\n\n", r.Metadata.Preview)
	return sb.String()
}

func systemPrompt(contextText string) string {
	var sb strings.Builder
	sb.WriteString("You are an AI assistant for a college community platform. ")
	sb.WriteString("Answer the user's question using only the context below, drawn from the college's indexed files, posts, and information. ")
	sb.WriteString("Cite sources by their number, like [Source 1]. ")
	sb.WriteString("If the context does not contain the answer, say so clearly instead of guessing.\n\n")
	sb.WriteString("Context:\n")
	sb.WriteString(contextText)
	return sb.String()
}

func sourceIDs(results []Result) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids
}
