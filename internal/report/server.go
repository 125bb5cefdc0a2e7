package report

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stationops/keeper/pkg/logging"
)

// Server serves /metrics and /healthz on a dedicated listener.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer builds the metrics HTTP server for addr.
func NewServer(addr string, m *Metrics, logger *logging.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	}).Methods("GET")

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background. Listener errors are logged, not fatal:
// the supervisor must keep running without its metrics endpoint.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics endpoint listening", map[string]interface{}{"addr": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("Metrics endpoint stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
