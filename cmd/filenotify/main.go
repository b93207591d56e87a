// Package main provides the filenotify command, which watches paths and prints the change
// notifications it receives.
//
// Usage:
//
//	filenotify -w <file> -p
//	filenotify -r <dir> -o -http 127.0.0.1:8089
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/listenupapp/filenotify/internal/config"
	"github.com/listenupapp/filenotify/internal/di"
	"github.com/listenupapp/filenotify/internal/di/providers"
	"github.com/listenupapp/filenotify/internal/logger"
	"github.com/listenupapp/filenotify/internal/watcher"
)

// batchWindow is how long the loop keeps collecting after the first event of a batch.
const batchWindow = 100 * time.Millisecond

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "filenotify: %v\n", err)
		return 2
	}

	injector := di.NewContainer(cfg)
	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		return 1
	}

	log := do.MustInvoke[*logger.Logger](injector)
	svc := do.MustInvoke[*providers.WatchServiceHandle](injector)

	printer := newPrinter(out, cfg.Logger.Verbose)
	var observer watcher.Observer = printer
	if cfg.Diag.Addr != "" {
		broker := do.MustInvoke[*providers.EventBrokerHandle](injector)
		observer = fanOut{printer, broker.Broker}
	}

	addPaths(svc.Service, observer, cfg.Watch.Paths, false, out)
	addPaths(svc.Service, observer, cfg.Watch.RecursivePaths, true, out)

	if svc.ObservedCount() == 0 {
		fmt.Fprintln(out, "Nothing to watch")
		_ = injector.Shutdown()
		return 1
	}

	if err := svc.Start(); err != nil {
		log.Error("Failed to start notification service", "error", err)
		_ = injector.Shutdown()
		return 1
	}
	for _, b := range svc.Backends() {
		log.Info("Backend active", "name", b.Name, "paths", b.Paths, "disabled", b.Disabled)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	loop(svc.Service, printer, quit)

	log.Info("Shutting down")
	if report := injector.Shutdown(); report != nil && !report.Succeed {
		log.Error("Shutdown error", "error", report.Error())
		return 1
	}
	return 0
}

// loop dumps batches of notifications while anything is observed.
func loop(svc *watcher.Service, p *printer, quit <-chan os.Signal) {
	for svc.ObservedCount() > 0 {
		select {
		case <-quit:
			fmt.Fprintln(p.out, "Shutting down")
			return
		case <-p.ready:
		}

		select {
		case <-quit:
			p.dump()
			fmt.Fprintln(p.out, "Shutting down")
			return
		case <-time.After(batchWindow):
		}
		p.dump()
	}
}

// addPaths registers every path that exists. Missing paths are reported and skipped.
func addPaths(svc *watcher.Service, observer watcher.Observer, paths []string, recursive bool, out io.Writer) {
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			fmt.Fprintf(out, "Path does not exist: %s\n", path)
			continue
		case !info.Mode().IsDir() && !info.Mode().IsRegular():
			fmt.Fprintf(out, "Path is not a file or directory: %s\n", path)
			continue
		}

		// Only directories have descendants.
		if _, err := svc.AddWatch(path, recursive && info.IsDir(), watcher.EventAll, observer); err != nil {
			fmt.Fprintf(out, "Cannot watch %s: %v\n", path, err)
		}
	}
}
