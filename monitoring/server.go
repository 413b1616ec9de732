package monitoring

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// NewOpsRouter serves /metrics and /healthz for worker processes that do not
// run the public HTTP API.
func NewOpsRouter(checks map[string]HealthCheck) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		code := http.StatusOK
		result := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				code = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(result)
	}).Methods(http.MethodGet)
	return r
}

// Serve runs the ops router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Ops server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
