package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"imgvec/internal/adapter/outbound/extractor"
	"imgvec/internal/adapter/outbound/fetcher"
	"imgvec/internal/adapter/outbound/memory"
	"imgvec/internal/adapter/outbound/mock"
	"imgvec/internal/application/ingestion"
	"imgvec/internal/config"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/inbound"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInputSize = 8
	testGrid      = 2
	testDimension = testGrid * testGrid * 5
	testModel     = "local-test"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{DefaultStrategy: "serial_chunked"},
		Store:    config.StoreConfig{Dimension: testDimension},
		Extractor: config.ExtractorConfig{
			Mode:         config.ExtractorModeLocal,
			InputSize:    testInputSize,
			Grid:         testGrid,
			Dimension:    testDimension,
			ModelVersion: testModel,
		},
	}
}

// writePNG writes a solid colour image and returns its file:// url.
func writePNG(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return "file://" + path
}

type memoryApp struct {
	store     *memory.VectorStore
	catalog   *memory.Catalog
	publisher *mock.LoggingRunEventPublisher
	options   []appOptions
}

// useMemoryApplication replaces the production wiring with in-memory
// adapters, the local extractor and a file-only fetcher.
func useMemoryApplication(t *testing.T, records ...entity.ImageRecord) *memoryApp {
	t.Helper()
	useConfig(t, testConfig())
	quietViper(t)

	ext, err := extractor.NewLocal(testInputSize, testGrid, testDimension, testModel)
	require.NoError(t, err)

	store := memory.NewVectorStore()
	m := &memoryApp{
		store:     store,
		catalog:   memory.NewCatalog(store, records...),
		publisher: mock.NewLoggingRunEventPublisher(),
	}
	fetch := fetcher.NewRouter(fetcher.WithSource("file", fetcher.NewFileFetcher(0)))

	original := newApplication
	newApplication = func(ctx context.Context, _ *config.Config, opts appOptions) (*application, error) {
		m.options = append(m.options, opts)
		provider, reader, err := newMeterProvider(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := ingestion.NewMetrics(provider)
		if err != nil {
			return nil, err
		}
		service := ingestion.NewService(m.catalog, m.store, ext, fetch, ingestion.DefaultSettings(),
			ingestion.WithPublisher(m.publisher),
			ingestion.WithMetrics(metrics),
		)
		return &application{service: service, metrics: reader}, nil
	}
	t.Cleanup(func() { newApplication = original })
	return m
}

func decode[T any](t *testing.T, output string) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal([]byte(output), &value), output)
	return value
}

func TestIngestCommand_RunsBothStrategies(t *testing.T) {
	dir := t.TempDir()
	records := []entity.ImageRecord{
		entity.NewImageRecord("a", writePNG(t, dir, "a.png", color.RGBA{R: 255, A: 255})),
		entity.NewImageRecord("b", writePNG(t, dir, "b.png", color.RGBA{G: 255, A: 255})),
		entity.NewImageRecord("c", ""),
	}

	for _, strategy := range []string{"serial_chunked", "parallel"} {
		t.Run(strategy, func(t *testing.T) {
			app := useMemoryApplication(t, records...)

			output, err := execute(t, []string{"ingest", "--strategy", strategy}, newIngestCmd())
			require.NoError(t, err)

			summary := decode[entity.RunSummary](t, output)
			assert.Equal(t, 3, summary.Total)
			assert.Equal(t, 2, summary.Success)
			assert.Equal(t, 1, summary.Failed)
			assert.Equal(t, []valueobject.ImageID{"c"}, summary.FailedIDs)
			assert.Equal(t, valueobject.Strategy(strategy), summary.Strategy)
			assert.NoError(t, summary.CheckInvariant())

			stored, ok := app.store.Get("a")
			require.True(t, ok)
			assert.Len(t, stored.Vector, testDimension)
			assert.Equal(t, testModel, stored.ModelVersion)
			assert.Len(t, app.publisher.Events(), 2, "started and completed events")
		})
	}
}

func TestIngestCommand_DefaultStrategyAndFlags(t *testing.T) {
	dir := t.TempDir()
	app := useMemoryApplication(t,
		entity.NewImageRecord("1", writePNG(t, dir, "1.png", color.White)),
		entity.NewImageRecord("2", writePNG(t, dir, "2.png", color.Black)),
	)

	output, err := execute(t, []string{"ingest", "--limit", "1", "--dry-run"}, newIngestCmd())
	require.NoError(t, err)

	summary := decode[entity.RunSummary](t, output)
	assert.Equal(t, valueobject.StrategySerialChunked, summary.Strategy)
	assert.Equal(t, 2, summary.Total, "total counts every catalog match")
	assert.Equal(t, 1, summary.Processed, "the limit caps the work list")
	require.Len(t, app.options, 1)
	assert.True(t, app.options[0].dryRun)
}

func TestIngestCommand_SecondRunSkipsProcessedImages(t *testing.T) {
	dir := t.TempDir()
	useMemoryApplication(t,
		entity.NewImageRecord("1", writePNG(t, dir, "1.png", color.White)),
		entity.NewImageRecord("2", writePNG(t, dir, "2.png", color.Black)),
	)

	_, err := execute(t, []string{"ingest"}, newIngestCmd())
	require.NoError(t, err)

	output, err := execute(t, []string{"ingest", "--skip-processed=false"}, newIngestCmd())
	require.NoError(t, err)
	summary := decode[entity.RunSummary](t, output)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Success)

	output, err = execute(t, []string{"ingest", "--skip-processed=false", "--force"}, newIngestCmd())
	require.NoError(t, err)
	summary = decode[entity.RunSummary](t, output)
	assert.Equal(t, 2, summary.Success)
}

func TestIngestCommand_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown strategy", args: []string{"ingest", "--strategy", "fastest"}, wantErr: "strategy"},
		{name: "negative limit", args: []string{"ingest", "--limit", "-1"}, wantErr: "limit must be >= 0"},
		{name: "zero workers", args: []string{"ingest", "--max-workers", "0"}, wantErr: "max_workers must be >= 1"},
		{name: "zero chunk size", args: []string{"ingest", "--chunk-size", "0"}, wantErr: "chunk_size must be >= 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := useMemoryApplication(t)
			_, err := execute(t, tt.args, newIngestCmd())
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Empty(t, app.options, "no application is built for invalid input")
		})
	}
}

func TestImageCommand(t *testing.T) {
	dir := t.TempDir()
	url := writePNG(t, dir, "one.png", color.RGBA{B: 255, A: 255})
	app := useMemoryApplication(t, entity.NewImageRecord("42", url))

	output, err := execute(t, []string{"image", "42"}, newImageCmd())
	require.NoError(t, err)
	result := decode[inbound.ImageResult](t, output)
	assert.Equal(t, valueobject.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, testDimension, result.Dimension)
	assert.True(t, app.store.Has("42"))

	output, err = execute(t, []string{"image", "42"}, newImageCmd())
	require.NoError(t, err)
	assert.Equal(t, valueobject.OutcomeSkipped, decode[inbound.ImageResult](t, output).Outcome)

	output, err = execute(t, []string{"image", "7", "--url", url}, newImageCmd())
	require.NoError(t, err)
	assert.Equal(t, valueobject.OutcomeSucceeded, decode[inbound.ImageResult](t, output).Outcome)

	_, err = execute(t, []string{"image", "  "}, newImageCmd())
	assert.Error(t, err)
}

func TestImagesCommand(t *testing.T) {
	dir := t.TempDir()
	app := useMemoryApplication(t,
		entity.NewImageRecord("1", writePNG(t, dir, "1.png", color.White)),
		entity.NewImageRecord("2", ""),
	)

	output, err := execute(t, []string{"images", "1", "2", "missing"}, newImagesCmd())
	require.NoError(t, err)

	summary := decode[entity.RunSummary](t, output)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 2, summary.Failed)
	assert.ElementsMatch(t, []valueobject.ImageID{"2", "missing"}, summary.FailedIDs)
	assert.True(t, app.store.Has("1"))

	_, err = execute(t, []string{"images", "1", ""}, newImagesCmd())
	assert.ErrorContains(t, err, "argument 2")
}

func TestHealthCommand(t *testing.T) {
	app := useMemoryApplication(t)

	output, err := execute(t, []string{"health"}, newHealthCmd())
	require.NoError(t, err)
	status := decode[inbound.HealthStatus](t, output)
	assert.True(t, status.Healthy)
	assert.Equal(t, testDimension, status.FeatureDimension)

	app.store.FailPing(assert.AnError)
	output, err = execute(t, []string{"health"}, newHealthCmd())
	assert.ErrorContains(t, err, "unhealthy")
	assert.NotContains(t, output, "Usage:", "an unhealthy store is not a usage error")
	assert.False(t, decode[inbound.HealthStatus](t, output).StoreReachable)
}

func TestExtractCommand(t *testing.T) {
	useConfig(t, testConfig())
	quietViper(t)
	dir := t.TempDir()
	url := writePNG(t, dir, "x.png", color.RGBA{R: 10, G: 200, B: 30, A: 255})
	path := strings.TrimPrefix(url, "file://")

	output, err := execute(t, []string{"extract", "--file", path, "--vector"}, newExtractCmd())
	require.NoError(t, err)

	result := decode[extractResult](t, output)
	assert.Equal(t, url, result.Source)
	assert.Equal(t, testDimension, result.Dimension)
	assert.Equal(t, testModel, result.ModelVersion)
	assert.InDelta(t, 1.0, result.Norm, 1e-9)
	assert.Len(t, result.Vector, testDimension)

	output, err = execute(t, []string{"extract", "--url", url}, newExtractCmd())
	require.NoError(t, err)
	assert.Nil(t, decode[extractResult](t, output).Vector)

	_, err = execute(t, []string{"extract"}, newExtractCmd())
	assert.ErrorContains(t, err, "one of --file or --url is required")

	_, err = execute(t, []string{"extract", "--file", filepath.Join(dir, "absent.png")}, newExtractCmd())
	assert.ErrorContains(t, err, "download failed")
}

func TestMetricTotals(t *testing.T) {
	ctx := context.Background()
	provider, reader, err := newMeterProvider(ctx)
	require.NoError(t, err)
	metrics, err := ingestion.NewMetrics(provider)
	require.NoError(t, err)

	metrics.RecordRun(ctx, valueobject.StrategyParallel, ingestion.RunResultCompleted)
	metrics.RecordRun(ctx, valueobject.StrategyParallel, ingestion.RunResultCompleted)

	totals, err := metricTotals(ctx, reader)
	require.NoError(t, err)

	var runs int64
	for key, total := range totals {
		if strings.HasPrefix(key, ingestion.RunsCounterName) {
			runs += total
		}
	}
	assert.Equal(t, int64(2), runs)

	empty, err := metricTotals(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
