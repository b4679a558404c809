package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// OpsHandler serves metrics, liveness and live entity counts.
func OpsHandler(reg *prometheus.Registry, sys *runtime.System) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/entities/{kind}", func(w http.ResponseWriter, req *http.Request) {
		kind := mux.Vars(req)["kind"]
		if !sys.Registered(kind) {
			http.Error(w, "unknown aggregate kind", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": kind, "active": sys.Active(kind)})
	}).Methods(http.MethodGet)
	return r
}
