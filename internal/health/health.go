// Package health serves the /healthz endpoint of a tandem process.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/tandem/internal/gateway"
	"github.com/dyluth/tandem/internal/sequencer"
)

// Pinger checks shared store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerState reports the broker connection.
type BrokerState interface {
	Connected() bool
	QueueName() string
}

// ProjectLister reports the project queues owned by this process.
type ProjectLister interface {
	Stats() []sequencer.ProjectStats
}

// SocketCounter reports the gateway's sockets.
type SocketCounter interface {
	Stats() gateway.Stats
}

// HealthServer provides HTTP health check endpoints for a tandem process.
type HealthServer struct {
	store    Pinger
	broker   BrokerState
	projects ProjectLister
	sockets  SocketCounter
	server   *http.Server
}

// NewHealthServer creates a new health check server. Any of broker, projects
// and sockets may be nil when the process does not run that component.
func NewHealthServer(store Pinger, broker BrokerState, projects ProjectLister, sockets SocketCounter) *HealthServer {
	h := &HealthServer{
		store:    store,
		broker:   broker,
		projects: projects,
		sockets:  sockets,
	}
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

// Handler returns the health routes.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	return mux
}

// Serve serves the health endpoint on ln until Shutdown.
func (h *HealthServer) Serve(ln net.Listener) error {
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis and the broker are reachable, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Redis: "connected"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	if h.broker != nil {
		response.Queue = h.broker.QueueName()
		if h.broker.Connected() {
			response.Broker = "connected"
		} else {
			response.Broker = "disconnected"
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	if h.projects != nil {
		response.Projects = h.projects.Stats()
	}
	if h.sockets != nil {
		stats := h.sockets.Stats()
		response.Sockets = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Redis    string                   `json:"redis,omitempty"`
	Broker   string                   `json:"broker,omitempty"`
	Queue    string                   `json:"queue,omitempty"`
	Projects []sequencer.ProjectStats `json:"projects,omitempty"`
	Sockets  *gateway.Stats           `json:"sockets,omitempty"`
	Error    string                   `json:"error,omitempty"`
}
