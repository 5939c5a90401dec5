// Package api exposes a node over an OpenSearch-compatible REST surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/middleware"
)

// NewRouter builds the node's HTTP handler.
//
//	PUT|GET|DELETE  /{index}
//	PUT             /{index}/_mapping
//	PUT|POST        /{index}/_doc/{id}, POST /{index}/_doc
//	GET|DELETE      /{index}/_doc/{id}
//	PUT|POST        /{index}/_create/{id}
//	POST            /{index}/_update/{id}
//	POST            /_bulk, /{index}/_bulk
//	GET|POST        /{index}/_search
//	GET|POST|DELETE /_search/scroll
//	GET             /_cluster/health, /health/live, /health/ready
func NewRouter(node *cluster.Node, checker *health.Checker, m *metrics.Metrics, timeout time.Duration) http.Handler {
	h := New(node)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics(m))

	r.Get("/health/live", checker.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/_cluster/health", h.ClusterHealth)
		r.Post("/_bulk", h.Bulk)

		r.Route("/_search/scroll", func(r chi.Router) {
			r.Get("/", h.Scroll)
			r.Post("/", h.Scroll)
			r.Delete("/", h.ClearScroll)
			r.Get("/{scrollID}", h.Scroll)
			r.Delete("/{scrollID}", h.ClearScroll)
		})

		r.Route("/{index}", func(r chi.Router) {
			r.Put("/", h.CreateIndex)
			r.Get("/", h.GetIndex)
			r.Head("/", h.IndexExists)
			r.Delete("/", h.DeleteIndex)
			r.Put("/_mapping", h.PutMapping)
			r.Get("/_mapping", h.GetMapping)

			r.Post("/_doc", h.IndexDoc)
			r.Put("/_doc/{id}", h.IndexDoc)
			r.Post("/_doc/{id}", h.IndexDoc)
			r.Get("/_doc/{id}", h.GetDoc)
			r.Delete("/_doc/{id}", h.DeleteDoc)
			r.Put("/_create/{id}", h.CreateDoc)
			r.Post("/_create/{id}", h.CreateDoc)
			r.Post("/_update/{id}", h.UpdateDoc)

			r.Post("/_bulk", h.Bulk)
			r.Get("/_search", h.Search)
			r.Post("/_search", h.Search)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorBody{
			Error:  errorCause{Type: "resource_not_found_exception", Reason: "no handler found for uri [" + r.URL.Path + "] and method [" + r.Method + "]"},
			Status: http.StatusNotFound,
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error:  errorCause{Type: "illegal_argument_exception", Reason: "method [" + r.Method + "] is not allowed for uri [" + r.URL.Path + "]"},
			Status: http.StatusMethodNotAllowed,
		})
	})
	return r
}
