package cmd

import (
	"context"
	"fmt"
	"imgvec/internal/adapter/outbound/extractor"
	"imgvec/internal/adapter/outbound/fetcher"
	"imgvec/internal/adapter/outbound/memory"
	"imgvec/internal/adapter/outbound/messaging"
	"imgvec/internal/adapter/outbound/mock"
	"imgvec/internal/adapter/outbound/repository"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/application/ingestion"
	"imgvec/internal/config"
	"imgvec/internal/port/outbound"
	"imgvec/internal/version"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// application holds the ingestion service of one command invocation and
// everything that has to be released when the command ends.
type application struct {
	service *ingestion.Service
	metrics *sdkmetric.ManualReader
	closers []func()
}

type appOptions struct {
	// dryRun keeps vectors in memory instead of writing them to the store.
	dryRun bool
}

// newApplication builds the production wiring. Tests replace it.
//
//nolint:gochecknoglobals // Test seam.
var newApplication = buildApplication

func buildApplication(ctx context.Context, cfg *config.Config, opts appOptions) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	ext, err := extractor.New(cfg.Extractor)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature extractor: %w", err)
	}
	if ext.Dimension() != cfg.Store.Dimension {
		return nil, fmt.Errorf("extractor dimension %d does not match store dimension %d",
			ext.Dimension(), cfg.Store.Dimension)
	}

	fetch, err := fetcher.New(cfg.Download, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to create image fetcher: %w", err)
	}

	pool, err := repository.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() {
		stats := repository.Stats(pool)
		slogger.InfoNoCtx("Closing database pool", slogger.Fields3(
			"total_connections", stats.TotalConnections,
			"active_connections", stats.ActiveConnections,
			"idle_connections", stats.IdleConnections,
		))
		pool.Close()
	})

	catalog := repository.NewPostgreSQLCatalog(pool, cfg.Catalog, cfg.Store.Table)
	var store outbound.VectorStore = repository.NewPostgreSQLVectorStore(pool, cfg.Store.Table, cfg.Store.Dimension)
	if opts.dryRun {
		slogger.Info(ctx, "Dry run: vectors are computed but not stored", nil)
		store = memory.NewVectorStore()
	}

	publisher, closePublisher, err := newRunEventPublisher(cfg.NATS)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closePublisher)

	provider, reader, err := newMeterProvider(ctx)
	if err != nil {
		return nil, err
	}
	app.metrics = reader
	app.closers = append(app.closers, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slogger.WarnNoCtx("Failed to shut down meter provider", slogger.Field("error", err.Error()))
		}
	})
	metrics, err := ingestion.NewMetrics(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	settings := ingestion.SettingsFromConfig(cfg.Pipeline)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	app.service = ingestion.NewService(catalog, store, ext, fetch, settings,
		ingestion.WithPublisher(publisher),
		ingestion.WithMetrics(metrics),
	)
	ok = true
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newRunEventPublisher connects to NATS when a url is configured and falls
// back to logging the events otherwise.
func newRunEventPublisher(cfg config.NATSConfig) (outbound.RunEventPublisher, func(), error) {
	if cfg.URL == "" {
		slogger.InfoNoCtx("NATS url not configured, run events are only logged", nil)
		return mock.NewLoggingRunEventPublisher(), func() {}, nil
	}

	publisher, err := messaging.NewNATSRunEventPublisher(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := publisher.Connect(); err != nil {
		return nil, nil, err
	}
	if err := publisher.EnsureStream(); err != nil {
		_ = publisher.Disconnect()
		return nil, nil, err
	}
	return publisher, func() {
		if err := publisher.Disconnect(); err != nil {
			slogger.WarnNoCtx("Failed to disconnect run event publisher", slogger.Field("error", err.Error()))
		}
	}, nil
}

func newMeterProvider(ctx context.Context) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", version.ApplicationName),
			attribute.String("service.version", version.Get().Version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return provider, reader, nil
}

// metricTotals collects the counters recorded so far, keyed by metric name
// and attribute set.
func metricTotals(ctx context.Context, reader *sdkmetric.ManualReader) (map[string]int64, error) {
	totals := make(map[string]int64)
	if reader == nil {
		return totals, nil
	}

	var data metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &data); err != nil {
		return nil, err
	}
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				key := m.Name
				if dp.Attributes.Len() > 0 {
					key += "{" + dp.Attributes.Encoded(attribute.DefaultEncoder()) + "}"
				}
				totals[key] += dp.Value
			}
		}
	}
	return totals, nil
}

// logMetrics writes the collected counters at debug level.
func (a *application) logMetrics(ctx context.Context) {
	totals, err := metricTotals(ctx, a.metrics)
	if err != nil {
		slogger.Warn(ctx, "Failed to collect metrics", slogger.Field("error", err.Error()))
		return
	}
	if len(totals) == 0 {
		return
	}
	fields := make(slogger.Fields, len(totals))
	for k, total := range totals {
		fields[k] = total
	}
	slogger.Debug(ctx, "Run metrics", fields)
}
