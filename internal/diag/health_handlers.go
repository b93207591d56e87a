package diag

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/filenotify/internal/watcher"
)

// Component and overall statuses.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

func (s *Server) registerHealthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health with per-component checks",
		Tags:        []string{"Health"},
	}, s.handleHealthCheck)
}

// ComponentHealth describes the health of a single component.
type ComponentHealth struct {
	Status  string `json:"status" doc:"Component status: healthy, degraded, or unhealthy"`
	Message string `json:"message,omitempty" doc:"Additional status information"`
}

// HealthResponse contains health check data in API responses.
type HealthResponse struct {
	Status     string                     `json:"status" doc:"Overall status: healthy, degraded, or unhealthy"`
	Components map[string]ComponentHealth `json:"components" doc:"Individual component statuses"`
}

// HealthOutput wraps the health response for Huma.
type HealthOutput struct {
	Body HealthResponse
}

func (s *Server) handleHealthCheck(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	components := map[string]ComponentHealth{
		"service": s.checkService(),
		"watches": s.checkWatches(),
	}
	if s.broker != nil {
		events := ComponentHealth{Status: statusHealthy, Message: formatClients(s.broker.ClientCount())}
		if !s.broker.Running() {
			events.Status = statusDegraded
		}
		components["events"] = events
	}

	overall := statusHealthy
	for _, c := range components {
		switch c.Status {
		case statusUnhealthy:
			overall = statusUnhealthy
		case statusDegraded:
			if overall == statusHealthy {
				overall = statusDegraded
			}
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:     overall,
			Components: components,
		},
	}, nil
}

// checkService reports the lifecycle state and whether the native backend fell back.
func (s *Server) checkService() ComponentHealth {
	state := s.source.State()
	if state != watcher.StateRunning {
		return ComponentHealth{Status: statusUnhealthy, Message: "service " + state.String()}
	}

	for _, b := range s.source.Backends() {
		if b.Native && b.Disabled {
			msg := "native backend disabled, polling only"
			if b.Error != "" {
				msg += ": " + b.Error
			}
			return ComponentHealth{Status: statusDegraded, Message: msg}
		}
	}
	return ComponentHealth{Status: statusHealthy, Message: "running"}
}

// checkWatches reports entries whose last detection cycle failed.
func (s *Server) checkWatches() ComponentHealth {
	degraded := 0
	for _, w := range s.source.Watches() {
		if w.Degraded {
			degraded++
		}
	}

	observed := s.source.ObservedCount()
	if degraded > 0 {
		return ComponentHealth{
			Status:  statusDegraded,
			Message: strconv.Itoa(degraded) + " of " + strconv.Itoa(observed) + " paths failing",
		}
	}
	return ComponentHealth{Status: statusHealthy, Message: strconv.Itoa(observed) + " paths observed"}
}

func formatClients(count int) string {
	switch count {
	case 0:
		return "no connected clients"
	case 1:
		return "1 connected client"
	default:
		return strconv.Itoa(count) + " connected clients"
	}
}
