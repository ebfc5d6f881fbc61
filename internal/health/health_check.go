package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ClusterView is what the checker needs to know about cluster state.
type ClusterView interface {
	ActiveCount() int
}

// Checker provides liveness and readiness endpoints.
type Checker struct {
	view   ClusterView
	logger *zap.Logger
}

// Status is the health check response body.
type Status struct {
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	ActiveNodes int    `json:"active_nodes,omitempty"`
}

// NewChecker creates a health checker.
func NewChecker(view ClusterView, logger *zap.Logger) *Checker {
	return &Checker{view: view, logger: logger}
}

// LivenessHandler answers liveness probes.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, Status{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler answers readiness probes. The authority serves from
// memory, so it is ready as soon as it listens; the response carries the
// active node count for operators.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
	}
	if c.view != nil {
		status.ActiveNodes = c.view.ActiveCount()
	}
	writeStatus(w, http.StatusOK, status)
}

func writeStatus(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
