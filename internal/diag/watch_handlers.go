package diag

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/watcher"
)

func (s *Server) registerWatchRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
		Description: "Returns the lifecycle state, the observed path count and the active backends",
		Tags:        []string{"Watches"},
	}, s.handleGetStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "listWatches",
		Method:      http.MethodGet,
		Path:        "/watches",
		Summary:     "List watches",
		Description: "Returns every registry entry, explicit and implicit, sorted by path",
		Tags:        []string{"Watches"},
	}, s.handleListWatches)

	huma.Register(s.api, huma.Operation{
		OperationID: "getWatch",
		Method:      http.MethodGet,
		Path:        "/watches/lookup",
		Summary:     "Get watch",
		Description: "Returns the registry entry for one absolute path",
		Tags:        []string{"Watches"},
	}, s.handleGetWatch)
}

// BackendResponse describes one detection backend.
type BackendResponse struct {
	Name     string `json:"name" doc:"Backend name (polling, inotify, fsnotify, notify)"`
	Native   bool   `json:"native" doc:"Whether the backend uses OS notifications"`
	Paths    int    `json:"paths" doc:"Explicit paths assigned to this backend"`
	Disabled bool   `json:"disabled" doc:"Set when the native mechanism failed and its paths moved to polling"`
	Error    string `json:"error,omitempty" doc:"Failure that disabled the backend"`
}

// StatusResponse contains the service status.
type StatusResponse struct {
	State    string            `json:"state" doc:"stopped, starting, running, or stopping"`
	Observed int               `json:"observed" doc:"Number of explicitly watched paths"`
	Entries  int               `json:"entries" doc:"Registry entries including implicit children"`
	Backends []BackendResponse `json:"backends" doc:"Active backends, empty when stopped"`
	Clients  int               `json:"clients" doc:"Connected event stream clients"`
}

// StatusOutput wraps the status response for Huma.
type StatusOutput struct {
	Body StatusResponse
}

func (s *Server) handleGetStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	backends := s.source.Backends()
	resp := StatusResponse{
		State:    s.source.State().String(),
		Observed: s.source.ObservedCount(),
		Entries:  len(s.source.Watches()),
		Backends: make([]BackendResponse, 0, len(backends)),
	}
	for _, b := range backends {
		resp.Backends = append(resp.Backends, BackendResponse(b))
	}
	if s.broker != nil {
		resp.Clients = s.broker.ClientCount()
	}
	return &StatusOutput{Body: resp}, nil
}

// WatchResponse describes one registry entry.
type WatchResponse struct {
	Path      string     `json:"path" doc:"Normalized absolute path"`
	Kind      string     `json:"kind" enum:"file,directory" doc:"Kind of the path when last seen"`
	Exists    bool       `json:"exists" doc:"Whether the path existed at the last detection cycle"`
	Backend   string     `json:"backend,omitempty" doc:"Backend currently responsible for the path"`
	Observers int        `json:"observers" doc:"Subscriptions on this path"`
	Mask      string     `json:"mask" doc:"Union of the subscriptions' event masks"`
	Recursive bool       `json:"recursive" doc:"Whether any subscription covers descendants"`
	Implicit  bool       `json:"implicit" doc:"Tracked only because a recursive ancestor covers it"`
	Degraded  bool       `json:"degraded" doc:"Last detection cycle for this path failed"`
	Children  int        `json:"children" doc:"Directory entries in the last snapshot"`
	Size      int64      `json:"size" doc:"Size in bytes at the last snapshot"`
	ModTime   *time.Time `json:"mod_time,omitempty" doc:"Modification time at the last snapshot"`
}

func toWatchResponse(w watcher.WatchedPath) WatchResponse {
	resp := WatchResponse{
		Path:      w.Path,
		Kind:      w.Kind.String(),
		Exists:    w.Snapshot.Exists,
		Backend:   w.Backend,
		Observers: w.Observers,
		Mask:      w.Mask.String(),
		Recursive: w.Recursive,
		Implicit:  w.Implicit,
		Degraded:  w.Degraded,
		Children:  len(w.Snapshot.Children),
		Size:      w.Snapshot.Size,
	}
	if w.Snapshot.Exists && !w.Snapshot.ModTime.IsZero() {
		mt := w.Snapshot.ModTime
		resp.ModTime = &mt
	}
	return resp
}

// ListWatchesInput holds the list filters.
type ListWatchesInput struct {
	Backend  string `query:"backend" doc:"Only entries assigned to this backend"`
	Explicit bool   `query:"explicit" doc:"Only entries with at least one subscription"`
	Degraded bool   `query:"degraded" doc:"Only entries whose last cycle failed"`
}

// ListWatchesOutput contains the matching entries.
type ListWatchesOutput struct {
	Body struct {
		Watches []WatchResponse `json:"watches"`
		Total   int             `json:"total"`
	}
}

func (s *Server) handleListWatches(_ context.Context, input *ListWatchesInput) (*ListWatchesOutput, error) {
	out := &ListWatchesOutput{}
	out.Body.Watches = []WatchResponse{}
	for _, w := range s.source.Watches() {
		if input.Backend != "" && w.Backend != input.Backend {
			continue
		}
		if input.Explicit && w.Implicit {
			continue
		}
		if input.Degraded && !w.Degraded {
			continue
		}
		out.Body.Watches = append(out.Body.Watches, toWatchResponse(w))
	}
	out.Body.Total = len(out.Body.Watches)
	return out, nil
}

// GetWatchInput selects one entry by path.
type GetWatchInput struct {
	Path string `query:"path" required:"true" doc:"Absolute path of the entry"`
}

// GetWatchOutput contains a single entry.
type GetWatchOutput struct {
	Body WatchResponse
}

func (s *Server) handleGetWatch(_ context.Context, input *GetWatchInput) (*GetWatchOutput, error) {
	if !filepath.IsAbs(input.Path) {
		return nil, apiError(errors.InvalidPathf("path %q is not absolute", input.Path))
	}
	w, ok := s.source.Watch(input.Path)
	if !ok {
		return nil, apiError(errors.NotFound("path is not watched"))
	}
	return &GetWatchOutput{Body: toWatchResponse(w)}, nil
}
