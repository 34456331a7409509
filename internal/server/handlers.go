package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Napageneral/fincontext/internal/contextbuilder"
	"github.com/Napageneral/fincontext/internal/errs"
	"github.com/Napageneral/fincontext/internal/ingest"
	"github.com/Napageneral/fincontext/internal/retrieval"
	"github.com/Napageneral/fincontext/internal/session"
	"github.com/Napageneral/fincontext/internal/vector"
)

// sessionHistoryTurns is how many earlier user messages are folded into a session query.
const sessionHistoryTurns = 2

type filterRequest struct {
	Category  string   `json:"category"`
	Currency  string   `json:"currency"`
	DateFrom  string   `json:"date_from"`
	DateTo    string   `json:"date_to"`
	AmountMin *float64 `json:"amount_min"`
	AmountMax *float64 `json:"amount_max"`
}

func (f filterRequest) toFilter() (vector.Filter, error) {
	from, err := ingest.ParseDate(f.DateFrom)
	if err != nil {
		return vector.Filter{}, err
	}
	to, err := ingest.ParseDate(f.DateTo)
	if err != nil {
		return vector.Filter{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return vector.Filter{}, errs.InvalidInput("date_to", "is before date_from")
	}
	return vector.Filter{
		Category:  strings.TrimSpace(f.Category),
		Currency:  strings.TrimSpace(f.Currency),
		DateFrom:  from,
		DateTo:    to,
		AmountMin: f.AmountMin,
		AmountMax: f.AmountMax,
	}, nil
}

type retrieveRequest struct {
	Query       string        `json:"query"`
	EntityTypes []string      `json:"entity_types"`
	Filter      filterRequest `json:"filter"`
	MaxTokens   int           `json:"max_tokens"`
}

func (r retrieveRequest) scope() (retrieval.Scope, error) {
	filter, err := r.Filter.toFilter()
	if err != nil {
		return retrieval.Scope{}, err
	}
	types := make([]vector.EntityType, 0, len(r.EntityTypes))
	for _, t := range r.EntityTypes {
		types = append(types, vector.EntityType(t))
	}
	return retrieval.Scope{EntityTypes: types, Filter: filter}, nil
}

func (s *Server) retrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	out, ok := s.run(c, req, req.Query)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, out)
}

// run executes a retrieval for req with query and writes any error response.
func (s *Server) run(c *gin.Context, req retrieveRequest, query string) (contextbuilder.RetrievalContext, bool) {
	scope, err := req.scope()
	if err != nil {
		s.writeError(c, err)
		return contextbuilder.RetrievalContext{}, false
	}
	scope.Recency = s.deps.Recency

	cfg := s.config()
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	out, err := s.deps.Retriever.Retrieve(c.Request.Context(), query, scope, cfg)
	if err != nil {
		s.writeError(c, err)
		return contextbuilder.RetrievalContext{}, false
	}
	return out, true
}

func (s *Server) stats(c *gin.Context) {
	out := make([]vector.Stats, 0, len(s.deps.Stats))
	for _, r := range s.deps.Stats {
		st, err := r.Stats(c.Request.Context())
		if err != nil {
			s.writeError(c, err)
			return
		}
		out = append(out, st)
	}
	body := gin.H{"indexes": out}
	if s.deps.Usage != nil {
		if u, ok := s.deps.Usage(); ok {
			body["usage"] = u
		}
	}
	c.JSON(http.StatusOK, body)
}

type indexRequest struct {
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Amount        *float64 `json:"amount"`
	Currency      string   `json:"currency"`
	Date          string   `json:"date"`
	Notes         string   `json:"notes"`
	PaymentMethod string   `json:"payment_method"`
	Source        string   `json:"source"`
}

func pathRecord(c *gin.Context) (vector.EntityType, int64, error) {
	et := vector.EntityType(strings.ToLower(c.Param("type")))
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, errs.InvalidInput("id", "must be a positive integer")
	}
	return et, id, nil
}

func (s *Server) indexRecord(c *gin.Context) {
	et, id, err := pathRecord(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	rec := ingest.FinancialRecord{
		EntityType:    et,
		ID:            id,
		Description:   req.Description,
		Category:      req.Category,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Date:          req.Date,
		Notes:         req.Notes,
		PaymentMethod: req.PaymentMethod,
		Source:        req.Source,
	}
	if err := s.deps.Indexer.IndexRecord(c.Request.Context(), rec); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_type": et, "entity_id": id, "text": ingest.BuildText(rec)})
}

func (s *Server) deindexRecord(c *gin.Context) {
	et, id, err := pathRecord(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.deps.Indexer.Deindex(c.Request.Context(), et, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}
	sess, err := s.deps.Sessions.Create(c.Request.Context(), req.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) expireSession(c *gin.Context) {
	if err := s.deps.Sessions.Expire(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionContextResponse struct {
	Session *session.Session                `json:"session"`
	Context contextbuilder.RetrievalContext `json:"context"`
}

// sessionContext records the question in the session and retrieves context for
// it, prefixed with the previous user turns so follow-ups keep their subject.
func (s *Server) sessionContext(c *gin.Context) {
	id := c.Param("id")
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	question := strings.TrimSpace(req.Query)
	if question == "" {
		s.writeError(c, errs.InvalidInput("query", "must not be empty"))
		return
	}

	ctx := c.Request.Context()
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	history := sess.LastUserMessages(sessionHistoryTurns)
	query := strings.Join(append(history, question), " ")

	out, ok := s.run(c, req, query)
	if !ok {
		return
	}

	if _, err := s.deps.Sessions.Append(ctx, id, session.Message{Role: session.RoleUser, Content: question}); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err = s.deps.Sessions.Append(ctx, id, session.Message{Role: session.RoleSystem, Content: out.Text})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionContextResponse{Session: sess, Context: out})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrDimensionMismatch):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrEmbeddingGeneration):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
