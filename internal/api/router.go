// Package api assembles the HTTP surface of the categorization service.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dvloznov/merchant-categorizer/internal/api/handlers"
	"github.com/dvloznov/merchant-categorizer/internal/api/middleware"
	"github.com/dvloznov/merchant-categorizer/internal/jobs"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Engine    handlers.Categorizer
	Knowledge handlers.KnowledgeReader
	Publisher jobs.Publisher
	JobStore  jobs.JobStore
	// AuthToken protects /api routes when non-empty.
	AuthToken string
	// SyncTimeout bounds POST /api/categorize.
	SyncTimeout time.Duration
}

// NewRouter wires the handlers onto a gorilla/mux router wrapped in the
// middleware chain.
func NewRouter(deps Deps, log zerolog.Logger) http.Handler {
	categorize := handlers.NewCategorizeHandler(deps.Engine, deps.Publisher, deps.SyncTimeout, log)
	merchants := handlers.NewMerchantsHandler(deps.Knowledge, deps.Engine, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(deps.AuthToken))
	api.HandleFunc("/categorize", categorize.Categorize).Methods(http.MethodPost)
	api.HandleFunc("/batches", categorize.SubmitBatch).Methods(http.MethodPost)
	api.HandleFunc("/merchants", merchants.ListMerchants).Methods(http.MethodGet)
	api.HandleFunc("/merchants/{key:.+}", merchants.GetMerchant).Methods(http.MethodGet)
	api.HandleFunc("/stats", merchants.GetStats).Methods(http.MethodGet)

	if deps.JobStore != nil {
		jobsHandler := handlers.NewJobsHandler(deps.JobStore, log)
		api.HandleFunc("/jobs", jobsHandler.ListJobs).Methods(http.MethodGet)
		api.HandleFunc("/jobs/{id}", jobsHandler.GetJob).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.CORS(r),
			),
		),
	)
}
