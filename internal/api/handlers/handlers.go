// Package handlers implements the HTTP endpoints of the categorization service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/merchant-categorizer/internal/api/middleware"
	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/jobs"
)

// Request limits.
const (
	MaxRequestBytes = 8 << 20
	// MaxSyncBatch caps POST /api/categorize; larger batches go through jobs.
	MaxSyncBatch = 500
	// DefaultSyncTimeout bounds a synchronous categorization request.
	DefaultSyncTimeout = 45 * time.Second
)

// Categorizer is the engine surface the handlers need.
type Categorizer interface {
	CategorizeBatch(ctx context.Context, txs []domain.Transaction) []domain.CategorizationResult
	Stats() categorizer.Stats
}

// KnowledgeReader is the read side of the knowledge store.
type KnowledgeReader interface {
	Get(key domain.MerchantKey) (domain.MerchantProfile, bool)
	Snapshot() []domain.MerchantProfile
	Len() int
}

type transactionsRequest struct {
	BatchID      string               `json:"batch_id,omitempty"`
	Transactions []domain.Transaction `json:"transactions"`
}

func decodeTransactions(w http.ResponseWriter, r *http.Request) (transactionsRequest, error) {
	var req transactionsRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Transactions) == 0 {
		return req, errors.New("transactions are required")
	}
	seen := make(map[string]struct{}, len(req.Transactions))
	for i, tx := range req.Transactions {
		if tx.ID == "" {
			return req, fmt.Errorf("transaction %d: id is required", i)
		}
		if _, dup := seen[tx.ID]; dup {
			return req, fmt.Errorf("transaction %q: duplicate id", tx.ID)
		}
		seen[tx.ID] = struct{}{}
	}
	return req, nil
}

// CategorizeHandler handles transaction submission endpoints.
type CategorizeHandler struct {
	engine      Categorizer
	publisher   jobs.Publisher
	syncTimeout time.Duration
	log         zerolog.Logger
}

// NewCategorizeHandler creates a new categorize handler. publisher may be nil,
// in which case async batches are rejected. syncTimeout bounds synchronous
// requests; zero selects DefaultSyncTimeout.
func NewCategorizeHandler(engine Categorizer, publisher jobs.Publisher, syncTimeout time.Duration, log zerolog.Logger) *CategorizeHandler {
	if syncTimeout <= 0 {
		syncTimeout = DefaultSyncTimeout
	}
	return &CategorizeHandler{engine: engine, publisher: publisher, syncTimeout: syncTimeout, log: log}
}

// Categorize handles POST /api/categorize
func (h *CategorizeHandler) Categorize(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTransactions(w, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Transactions) > MaxSyncBatch {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d transactions per request; use /api/batches", MaxSyncBatch))
		return
	}

	// The engine answers every transaction, with fallbacks once the budget is
	// spent, so the response is written before the server's write timeout.
	ctx, cancel := context.WithTimeout(r.Context(), h.syncTimeout)
	defer cancel()
	results := h.engine.CategorizeBatch(ctx, req.Transactions)

	var review int
	for _, res := range results {
		if res.NeedsReview {
			review++
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results":      results,
		"count":        len(results),
		"needs_review": review,
	})
}

// SubmitBatch handles POST /api/batches
func (h *CategorizeHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Async batches are disabled")
		return
	}

	req, err := decodeTransactions(w, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &jobs.CategorizeBatchJob{
		JobID:        uuid.New().String(),
		BatchID:      req.BatchID,
		Transactions: req.Transactions,
	}
	if err := h.publisher.PublishCategorizeBatch(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue batch")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue batch")
		return
	}

	h.log.Info().
		Str("job_id", job.JobID).
		Str("batch_id", job.BatchID).
		Int("transactions", len(job.Transactions)).
		Msg("Batch enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.JobID,
		"batch_id": job.BatchID,
		"status":   string(jobs.JobStatusPending),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs. Transactions and results are omitted from
// the listing; fetch a single job for those.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		BatchID: query.Get("batch_id"),
		Status:  jobs.JobStatus(query.Get("status")),
	}
	filter.Limit, filter.Offset = pagination(query.Get("limit"), query.Get("offset"))

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	for _, job := range jobsList {
		job.Transactions = nil
		job.Results = nil
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// MerchantsHandler exposes learned merchant knowledge.
type MerchantsHandler struct {
	store  KnowledgeReader
	engine Categorizer
	log    zerolog.Logger
}

// NewMerchantsHandler creates a new merchants handler.
func NewMerchantsHandler(store KnowledgeReader, engine Categorizer, log zerolog.Logger) *MerchantsHandler {
	return &MerchantsHandler{store: store, engine: engine, log: log}
}

// ListMerchants handles GET /api/merchants
func (h *MerchantsHandler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var category domain.Category
	if name := query.Get("category"); name != "" {
		c, ok := domain.ParseCategory(name)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", name))
			return
		}
		category = c
	}

	profiles := h.store.Snapshot()
	filtered := profiles[:0]
	for _, p := range profiles {
		if category != "" && p.Category != category {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].MerchantKey < filtered[j].MerchantKey })

	total := len(filtered)
	limit, offset := pagination(query.Get("limit"), query.Get("offset"))
	if offset >= len(filtered) {
		filtered = filtered[:0]
	} else {
		filtered = filtered[offset:]
	}
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"merchants": filtered,
		"count":     len(filtered),
		"total":     total,
	})
}

// GetMerchant handles GET /api/merchants/{key}
func (h *MerchantsHandler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	key := domain.MerchantKey(mux.Vars(r)["key"])

	profile, ok := h.store.Get(key)
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "Merchant not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, profile)
}

// GetStats handles GET /api/stats
func (h *MerchantsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"engine":    h.engine.Stats(),
		"merchants": h.store.Len(),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// pagination parses limit and offset, ignoring malformed or negative values.
func pagination(limitStr, offsetStr string) (limit, offset int) {
	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
