// Package httpapi exposes the custody engine over JSON/HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/BearBump/CustodyBox/internal/auth"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/services/scans"
	"github.com/BearBump/CustodyBox/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	scans     *scans.Service
	shipments *shipments.Service
	concerns  *concerns.Service

	validate   *validator.Validate
	production bool
}

func New(sc *scans.Service, sh *shipments.Service, cs *concerns.Service, production bool) *API {
	return &API{
		scans:      sc,
		shipments:  sh,
		concerns:   cs,
		validate:   validator.New(),
		production: production,
	}
}

type RouterOpts struct {
	Auth        *auth.Authenticator
	DB          Pinger
	SwaggerPath string
}

func (a *API) Routes(opts RouterOpts) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.DB != nil {
			if err := opts.DB.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	if opts.SwaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.SwaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.SwaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		r.Post("/scan", a.scanHandler(""))
		r.Post("/transporter/scan", a.scanHandler(models.RoleTransporter))
		r.Post("/warehouse/scan", a.scanHandler(models.RoleWarehouse))
		r.Post("/retailer/scan", a.scanHandler(models.RoleRetailer))
		r.Post("/verify", a.verify)
		r.Get("/scans/pending", a.pending)
		r.Get("/containers/{id}/scans", a.containerScans)

		r.Post("/shipments", a.createShipment)
		r.Route("/shipments/{hash}", func(r chi.Router) {
			r.Get("/", a.getShipment)
			r.Post("/lock", a.lockShipment)
			r.Put("/assignments", a.assignShipment)
			r.Post("/refresh-status", a.refreshShipmentStatus)
			r.Get("/history", a.shipmentStatusHistory)
			r.Get("/scans", a.shipmentScans)
			r.Get("/scans/export", a.exportShipmentScans)
			r.Get("/concerns", a.shipmentConcerns)
		})

		r.Post("/concerns/{id}/acknowledge", a.acknowledgeConcern)
		r.Post("/concerns/{id}/resolve", a.resolveConcern)
	})
	return r
}

func actorFrom(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}
