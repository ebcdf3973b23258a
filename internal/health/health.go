package health

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dyluth/easel/internal/feed"
)

// Checker is what the health endpoint inspects. *session.Session implements it.
type Checker interface {
	Ping(ctx context.Context) error
	FeedState() feed.State
	BoardID() string
}

// Server provides /healthz and /metrics for a running sync session.
type Server struct {
	checker  Checker
	gatherer prometheus.Gatherer
	addr     string
	logger   *log.Logger
	server   *http.Server
}

// NewServer creates a health server. gatherer may be nil to omit /metrics.
func NewServer(addr string, checker Checker, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		checker:  checker,
		gatherer: gatherer,
		addr:     addr,
		logger:   logger,
	}
}

// Router returns the HTTP routes.
func (h *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthCheckHandler).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start starts the HTTP server in the background.
func (h *Server) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Printf("[Health] Server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (h *Server) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Response is the JSON body of /healthz.
type Response struct {
	Status  string `json:"status"`
	Redis   string `json:"redis,omitempty"`
	Feed    string `json:"feed"`
	BoardID string `json:"board_id,omitempty"`
	Stale   bool   `json:"stale"`
	Error   string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 when Redis answers, 503 otherwise. A
// disconnected feed does not fail the check but marks the view stale.
func (h *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state := h.checker.FeedState()
	response := Response{
		Status:  "healthy",
		Redis:   "connected",
		Feed:    string(state),
		BoardID: h.checker.BoardID(),
		Stale:   state != feed.StateConnected,
	}

	code := http.StatusOK
	if err := h.checker.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
