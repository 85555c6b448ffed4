// Package httpapi exposes the daemon's metrics surface over HTTP,
// grounded on the teacher's internal/http/job_server.go router
// construction (gorilla/mux, a logging middleware, an *http.Server
// wrapper the caller drives with ListenAndServe/Shutdown).
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/lunasched/lunasched/internal/metrics"
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(log.Fields{"method": r.Method, "path": r.RequestURI}).Debug("httpapi request")
		next.ServeHTTP(w, r)
	})
}

// New builds an *http.Server exposing /metrics in Prometheus text
// exposition format and /healthz for liveness probes.
func New(reg *metrics.Registry, addr string) *http.Server {
	router := mux.NewRouter()
	router.StrictSlash(true)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(reg.Export()))
	}).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.Use(loggingMiddleware)

	return &http.Server{Addr: addr, Handler: router}
}
