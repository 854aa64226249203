package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metald/services/attest"
	"metald/services/explorer"
	"metald/services/ipxe"
	"metald/services/lifecycle"
)

// ScriptSource serves the most recently rendered boot script for an entity.
type ScriptSource interface {
	Script(entityID uuid.UUID) (string, bool)
}

// API is the read-only query surface over the orchestration state.
type API struct {
	pool      *pgxpool.Pool
	entities  *lifecycle.Store
	endpoints *explorer.Store
	reports   *attest.Gate
	catalog   *ipxe.Catalog
	scripts   ScriptSource
	presigner Presigner
}

// New initialises the API layer. reports, scripts and presigner are optional;
// their routes answer 404 or empty lists when the backing subsystem is off.
func New(pool *pgxpool.Pool, entities *lifecycle.Store, endpoints *explorer.Store, reports *attest.Gate, catalog *ipxe.Catalog, scripts ScriptSource, presigner Presigner) (*API, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if entities == nil {
		return nil, errors.New("lifecycle store is required")
	}
	if endpoints == nil {
		return nil, errors.New("endpoint store is required")
	}
	if catalog == nil {
		return nil, errors.New("template catalog is required")
	}

	return &API{
		pool:      pool,
		entities:  entities,
		endpoints: endpoints,
		reports:   reports,
		catalog:   catalog,
		scripts:   scripts,
		presigner: presigner,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/endpoints", a.handleListEndpoints)
		r.Get("/entities", a.handleListEntities)
		r.Get("/entities/{id}", a.handleGetEntity)
		r.Get("/entities/{id}/history", a.handleHistory)
		r.Get("/entities/{id}/attestations", a.handleAttestations)
		r.Get("/entities/{id}/bootscript", a.handleBootScript)
		r.Get("/templates", a.handleListTemplates)
		r.Get("/artifacts/presign", a.handlePresignArtifact)
		r.Get("/summary", a.handleSummary)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", a.handleHealthz)

	return r, nil
}
