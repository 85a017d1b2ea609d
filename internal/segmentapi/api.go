// Package segmentapi is the REST surface of the segmentation service. It
// decodes requests, calls the segment service and renders JSON responses.
package segmentapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segments"
)

// Service is the part of segments.Service the API calls.
type Service interface {
	Registry() *ruleengine.Registry

	Create(ctx context.Context, d segment.Draft) (segment.Segment, error)
	Update(ctx context.Context, storeID string, id uuid.UUID, version int64, p segment.Patch) (segment.Segment, error)
	Duplicate(ctx context.Context, storeID string, id uuid.UUID, name string) (segment.Segment, error)
	Delete(ctx context.Context, storeID string, id uuid.UUID) error
	Get(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error)
	List(ctx context.Context, storeID string, f segments.ListFilter) ([]segment.Segment, int64, error)
	Recompute(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error)

	AddMembers(ctx context.Context, storeID string, id uuid.UUID, customerIDs []string) (int64, error)
	IsMember(ctx context.Context, storeID string, id uuid.UUID, customerID string) (bool, error)
	InstallPredefined(ctx context.Context, storeID string) ([]segment.Segment, error)
	MaterializeAutomaticMemberships(ctx context.Context, storeID string) (segments.MaterializeResult, error)

	Preview(ctx context.Context, storeID string, rs ruleengine.RuleSet) (segments.Preview, error)
	EvaluateCustomer(ctx context.Context, storeID, customerID string, rs ruleengine.RuleSet) (bool, error)
	EvaluateRecord(rs ruleengine.RuleSet, rec ruleengine.Record) (bool, error)
}

var _ Service = (*segments.Service)(nil)

// Options configures authentication and transport limits.
type Options struct {
	// APIKeyHash is the hex SHA-256 of the accepted X-API-Key value.
	APIKeyHash string
	// SkipAuth disables authentication. Tests and local development only.
	SkipAuth bool

	AllowedOrigins []string
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// API holds the router and its dependencies.
type API struct {
	Router *chi.Mux

	svc        Service
	apiKeyHash string
	skipAuth   bool
}

// NewAPI builds the router. It panics when svc is nil or when
// authentication is enabled without a key hash.
func NewAPI(svc Service, opts Options) *API {
	if svc == nil {
		panic("segmentapi: segment service cannot be nil")
	}
	if !opts.SkipAuth && opts.APIKeyHash == "" {
		panic("segmentapi: APIKeyHash cannot be empty when authentication is enabled")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	api := &API{
		Router:     chi.NewRouter(),
		svc:        svc,
		apiKeyHash: opts.APIKeyHash,
		skipAuth:   opts.SkipAuth,
	}
	api.configureRoutes(opts)
	return api
}

func (a *API) configureRoutes(opts Options) {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		a.Router.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", apiKeyHeader},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}
	a.Router.Use(middleware.RequestSize(opts.MaxBodyBytes))
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1/stores/{storeID}", func(r chi.Router) {
		r.Use(withStoreLogger)
		r.Use(a.authenticateAPIKey)

		r.Get("/fields", a.handleListFields)

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", a.handleCreateSegment)
			r.Get("/", a.handleListSegments)
			r.Post("/templates/install", a.handleInstallTemplates)

			r.Route("/{segmentID}", func(r chi.Router) {
				r.Get("/", a.handleGetSegment)
				r.Patch("/", a.handleUpdateSegment)
				r.Delete("/", a.handleDeleteSegment)
				r.Post("/duplicate", a.handleDuplicateSegment)
				r.Post("/recompute", a.handleRecomputeSegment)
				r.Post("/members", a.handleAddMembers)
				r.Get("/members/{customerID}", a.handleGetMembership)
			})
		})

		r.Post("/rules/preview", a.handlePreviewRules)
		r.Post("/rules/evaluate", a.handleEvaluateRules)
		r.Post("/memberships/materialize", a.handleMaterialize)
	})
}

// handleHealthCheck only proves the HTTP server is serving. Dependency
// checks live on the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
