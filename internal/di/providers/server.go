package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/listenupapp/filenotify/internal/config"
	"github.com/listenupapp/filenotify/internal/diag"
	"github.com/listenupapp/filenotify/internal/logger"
)

// HTTPServerHandle wraps the diagnostics http.Server with Shutdownable.
// Server is nil when no diagnostics address is configured.
type HTTPServerHandle struct {
	*http.Server
}

// Enabled reports whether the diagnostics server is listening.
func (h *HTTPServerHandle) Enabled() bool {
	return h.Server != nil
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	if h.Server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the diagnostics HTTP server. The listener is bound before this
// returns so a bad address fails the bootstrap.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if cfg.Diag.Addr == "" {
		return &HTTPServerHandle{}, nil
	}

	log := do.MustInvoke[*logger.Logger](i)
	svc := do.MustInvoke[*WatchServiceHandle](i)
	broker := do.MustInvoke[*EventBrokerHandle](i)

	handler := diag.NewServer(svc.Service, broker.Broker, log.Logger)

	ln, err := net.Listen("tcp", cfg.Diag.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Diag.Addr, err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("Diagnostics server listening", "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Diagnostics server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv}, nil
}
