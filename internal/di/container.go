// Package di provides dependency injection configuration for the filenotify tool.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/filenotify/internal/config"
	"github.com/listenupapp/filenotify/internal/di/providers"
	"github.com/listenupapp/filenotify/internal/logger"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer(cfg *config.Config) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.Provide(injector, providers.ProvideLogger)

	// Notification service
	do.Provide(injector, providers.ProvideWatchService)

	// Diagnostics
	do.Provide(injector, providers.ProvideEventBroker)
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services. The notification service is left stopped so the caller
// can register its watches before starting it.
func Bootstrap(injector *do.RootScope) error {
	if _, err := do.Invoke[*logger.Logger](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.WatchServiceHandle](injector); err != nil {
		return err
	}

	cfg := do.MustInvoke[*config.Config](injector)
	if cfg.Diag.Addr == "" {
		return nil
	}
	if _, err := do.Invoke[*providers.EventBrokerHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.HTTPServerHandle](injector); err != nil {
		return err
	}
	return nil
}
