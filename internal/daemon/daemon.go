// Package daemon coordinates the long-running services: the worker pool,
// the lease reaper, and the HTTP API. A file lock enforces one daemon per
// data directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/worker"
)

// Daemon owns the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	store    *queue.Store
	registry *worker.Registry
	server   *api.Server
	workers  []*worker.Worker
	reaper   *worker.Reaper
	logger   *slog.Logger

	lockPath string
	lock     *flock.Flock
}

// New constructs a daemon with initialized dependencies. The registry must
// already have the engine's handlers bound.
func New(cfg *config.Config, store *queue.Store, registry *worker.Registry, server *api.Server, workers []*worker.Worker, reaper *worker.Reaper, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || registry == nil || server == nil || reaper == nil {
		return nil, errors.New("daemon requires config, store, registry, server, and reaper")
	}
	if len(workers) == 0 {
		return nil, errors.New("daemon requires at least one worker")
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "loomd.lock")
	return &Daemon{
		cfg:      cfg,
		store:    store,
		registry: registry,
		server:   server,
		workers:  workers,
		reaper:   reaper,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Run acquires the instance lock and drives all services until ctx is
// cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", d.lockPath, err)
	}
	if !ok {
		return fmt.Errorf("another loom daemon already holds %s", d.lockPath)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("release daemon lock", logging.Error(err))
		}
	}()

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("workers", len(d.workers)),
		logging.Any("job_types", d.registry.Types()))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return d.reaper.Run(groupCtx)
	})
	group.Go(func() error {
		return d.server.Serve(groupCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

// WorkerID derives a stable worker identity from host, pid, and slot index.
func WorkerID(index int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "loom"
	}
	return fmt.Sprintf("%s-%d-w%d", host, os.Getpid(), index)
}
