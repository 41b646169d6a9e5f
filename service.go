package readings

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Service wires every component (A–G) together and owns their lifecycle:
// catalogue, storage engine, purge engine, filter pipeline, scheduler,
// stats tracker, management client, optional archiver, and the
// south-side listeners.
type Service struct {
	cfg Config

	cat     *Catalogue
	retry   *retryExecutor
	storage *StorageEngine
	purge   *PurgeEngine
	filter  *FilterPipeline
	stats   *StatsTracker
	sched   *Scheduler
	mgmt    *ManagementClient
	archive *Archiver

	httpListener *HTTPIngestListener
	wsListener   *WebsocketIngestListener
	promListener *PromRemoteWriteListener
	httpServer   *http.Server

	logger *slog.Logger

	purgeDone chan struct{}
	purgeStop chan struct{}
}

// NewService constructs every component but does not start any
// background workers; call Start to do so ( "Cancellation"
// ordering is mirrored in Stop).
func NewService(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()

	retry := newRetryExecutor(logger)

	cat, err := OpenCatalogue(ctx, cfg, retry, logger)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}

	storage := NewStorageEngine(cat, retry, logger)

	var archiver *Archiver
	if cfg.Purge.ArchiveBeforeDelete {
		archiver, err = NewArchiver(ctx, cat.DB(), cfg.Purge.Archive, logger)
		if err != nil {
			cat.Shutdown(ctx)
			return nil, fmt.Errorf("open archiver: %w", err)
		}
	}
	purge := NewPurgeEngine(cat, storage, retry, archiver, cfg.Purge.InitialBlockSize, logger)

	filter := NewFilterPipeline(nil, logger)

	mgmt := NewManagementClient(cfg.Management.BaseURL, cfg.Management.ServiceName, []byte(cfg.Management.TokenSeed), logger)
	stats := NewStatsTracker(mgmt, cfg.Management.ServiceName, "readings", logger)

	sched := NewScheduler(cfg.Queue, storage, filter, stats, logger)
	storage.OnAppended(func(assetCode string) { stats.AddReadings(assetCode, 1) })

	svc := &Service{
		cfg:       cfg,
		cat:       cat,
		retry:     retry,
		storage:   storage,
		purge:     purge,
		filter:    filter,
		stats:     stats,
		sched:     sched,
		mgmt:      mgmt,
		archive:   archiver,
		logger:    logger,
		purgeDone: make(chan struct{}),
		purgeStop: make(chan struct{}),
	}

	svc.httpListener = NewHTTPIngestListener(sched, logger)
	svc.wsListener = NewWebsocketIngestListener(sched, logger)
	svc.promListener = NewPromRemoteWriteListener(sched, logger)

	return svc, nil
}

// Storage exposes the storage engine for retrieveReadings/fetchReadings
// callers embedding the service (e.g. a north-side exporter).
func (s *Service) Storage() *StorageEngine { return s.storage }

// Purge exposes the purge engine for operator-triggered purges.
func (s *Service) Purge() *PurgeEngine { return s.purge }

// Filter exposes the filter pipeline for hot reconfiguration.
func (s *Service) Filter() *FilterPipeline { return s.filter }

// Start launches the flush worker, stats worker, purge worker, and an
// HTTP listener hosting every south-side route, in that order ( // "Threads").
func (s *Service) Start(ctx context.Context, addr string) error {
	s.sched.Start(ctx)
	s.stats.Start(ctx, s.cfg.Stats.FlushInterval)
	go s.purgeLoop(ctx)

	mux := http.NewServeMux()
	s.httpListener.RegisterRoutes(mux)
	s.wsListener.RegisterRoutes(mux)
	s.promListener.RegisterRoutes(mux)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("south-side http listener exited", "err", err)
		}
	}()

	s.logger.Info("readings service started", "addr", addr)
	return nil
}

// purgeLoop runs the purge worker on a timer, independent of the ingest
// path runs independently on a timer").
func (s *Service) purgeLoop(ctx context.Context) {
	defer close(s.purgeDone)
	ticker := time.NewTicker(s.cfg.Purge.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.purgeStop:
			return
		case <-ticker.C:
			s.runPurgeSweep(ctx)
		}
	}
}

// runPurgeSweep purges every known asset's table, logging and continuing
// past a per-asset failure.
func (s *Service) runPurgeSweep(ctx context.Context) {
	for asset := range s.cat.TablesForRead() {
		result, err := s.purge.PurgeByAge(ctx, asset, s.cfg.Purge.AgeHours, s.cfg.Purge.KeepUnsent, 0)
		if err != nil {
			s.logger.Warn("purge sweep failed for asset", "asset", asset, "err", err)
			continue
		}
		if result.Removed > 0 {
			s.logger.Info("purge sweep removed rows", "asset", asset, "removed", result.Removed)
		}
	}
}

// Stop shuts the service down in the order "Cancellation"
// describes: flush worker then stats worker, then the purge worker and
// HTTP listener, then the catalogue (draining residual queues and
// finalizing prepared statements).
func (s *Service) Stop(ctx context.Context) error {
	s.sched.Stop()
	s.stats.Stop()

	close(s.purgeStop)
	<-s.purgeDone

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http listener shutdown error", "err", err)
		}
	}

	return s.cat.Shutdown(ctx)
}
