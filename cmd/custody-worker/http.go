package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/CustodyBox/config"
	"github.com/BearBump/CustodyBox/internal/services/chainsync"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	sweeper *chainsync.Sweeper
	cfg     *config.Config
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.sweeper == nil {
			writeJSON(w, map[string]string{"error": "sweeper not wired"})
			return
		}
		writeJSON(w, opts.sweeper.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, map[string]string{"error": "config not wired"})
			return
		}
		// только рабочие настройки, без секретов
		wc := opts.cfg.Worker
		writeJSON(w, map[string]any{
			"pollIntervalSeconds":          wc.PollIntervalSeconds,
			"batchSize":                    wc.BatchSize,
			"concurrency":                  wc.Concurrency,
			"leaseSeconds":                 wc.LeaseSeconds,
			"rateLimitPerMinute":           wc.RateLimitPerMinute,
			"nextCheckConfirmedMinSeconds": wc.NextCheckConfirmedMinSeconds,
			"nextCheckConfirmedMaxSeconds": wc.NextCheckConfirmedMaxSeconds,
			"nextCheckMismatchSeconds":     wc.NextCheckMismatchSeconds,
			"nextCheckUnknownSeconds":      wc.NextCheckUnknownSeconds,
			"chainMode":                    opts.cfg.Chain.Mode,
			"consumerGroup":                wc.ConsumerGroup,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.sweeper == nil {
			writeJSON(w, map[string]string{"error": "sweeper not wired"})
			return
		}
		opts.sweeper.Trigger()
		writeJSON(w, map[string]bool{"triggered": true})
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}
	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("worker HTTP listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
