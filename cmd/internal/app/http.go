package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes carries what the HTTP surface needs from the App.
type routes struct {
	log Logger

	// ready reports nil when the process can serve traffic.
	ready func(ctx context.Context) error

	gatherer prometheus.Gatherer
	ws       http.Handler
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}

	// Every path other than the ones below is a health probe.
	mux.HandleFunc("/", ok)
	mux.HandleFunc("/healthz", ok)

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rt.ready(ctx); err != nil {
				rt.log.Info("readyz.not_ready", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("/ws", rt.ws)
}
