package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/filenotify/internal/config"
	"github.com/listenupapp/filenotify/internal/diag"
	"github.com/listenupapp/filenotify/internal/logger"
	"github.com/listenupapp/filenotify/internal/watcher"
)

// WatchServiceHandle wraps the notification service with shutdown capability.
// The service is created stopped so callers can register watches before Start.
type WatchServiceHandle struct {
	*watcher.Service
}

// Shutdown implements do.Shutdownable.
func (h *WatchServiceHandle) Shutdown() error {
	return h.Service.Stop()
}

// ProvideWatchService provides the file change notification service.
func ProvideWatchService(i do.Injector) (*WatchServiceHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	svc := watcher.New(log.Logger, WatchOptions(cfg))
	return &WatchServiceHandle{Service: svc}, nil
}

// EventBrokerHandle wraps the event stream broker with shutdown capability.
type EventBrokerHandle struct {
	*diag.Broker
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *EventBrokerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := h.Broker.Shutdown(ctx)
	h.cancel()
	return err
}

// ProvideEventBroker provides the broker behind the /events stream and starts it.
func ProvideEventBroker(i do.Injector) (*EventBrokerHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)

	broker := diag.NewBroker(log.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Start(ctx)

	return &EventBrokerHandle{Broker: broker, cancel: cancel}, nil
}
