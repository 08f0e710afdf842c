package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/config"
	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/orchestrator"
	"github.com/JakeFAU/novel-crawler/internal/site"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{Concurrency: 4, DownloadConcurrency: 2, ChapterConcurrency: 3, MaxExploreErrors: 5, MaxAttempts: 2, UserAgent: "test"},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 1},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		DB:      config.DBConfig{Driver: config.DriverMemory},
		Progress: config.ProgressConfig{
			Enabled:    true,
			StoreRuns:  true,
			LogEnabled: true,
		},
		Sites: []config.SiteConfig{{
			Name:           "HJWZW",
			Adapter:        "hjwzw",
			BookURL:        "https://tw.hjwzw.com/Book/{num}",
			ChapterListURL: "https://tw.hjwzw.com/Book/Chapter/{num}",
			Concurrency:    7,
		}},
	}
}

func TestBuildMemoryStack(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Equal(t, []string{"hjwzw"}, app.Orchestrator().Sites())
	require.NotNil(t, app.Exporter())
	assert.Nil(t, app.schedule)
	assert.NotNil(t, app.progressHub)

	s, err := app.Orchestrator().Site("hjwzw")
	require.NoError(t, err)
	assert.Equal(t, 7, s.Concurrency)
	assert.Equal(t, 2, s.DownloadConcurrency)
	assert.Equal(t, 3, s.ChapterConcurrency)
	assert.Equal(t, 5, s.MaxExploreErrors)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/sites")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Sites []string `json:"sites"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"hjwzw"}, body.Sites)
}

func TestBuildSQLiteAndLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.DB = config.DBConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "novels.db")}
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal, BaseDir: filepath.Join(dir, "novels")}
	cfg.Schedule.Regular = "@daily"

	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, app.schedule)
	assert.False(t, app.schedule.Next().IsZero())

	stats, err := app.Orchestrator().Info(context.Background(), "hjwzw")
	require.NoError(t, err)
	assert.Zero(t, stats.BookCount)

	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestCloseJoinsLaunchedSweeps(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	books := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(books.Close)
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t)
	cfg.HTTP.TimeoutSeconds = 60
	cfg.Sites[0].BookURL = books.URL + "/Book/{num}"
	cfg.Sites[0].ChapterListURL = books.URL + "/Book/Chapter/{num}"
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	orch := app.Orchestrator()
	_, err = orch.Launch(context.Background(), orchestrator.SweepExplore, "hjwzw", orchestrator.Options{StartNum: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hits.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, orch.Running("hjwzw", orchestrator.SweepExplore))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
	assert.False(t, orch.Running("hjwzw", orchestrator.SweepExplore))

	_, err = orch.Launch(context.Background(), orchestrator.SweepUpdate, "hjwzw", orchestrator.Options{})
	require.ErrorIs(t, err, orchestrator.ErrShuttingDown)
}

func TestBuildRejectsUnknownAdapter(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sites[0].Adapter = "nope"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown adapter")
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Schedule.Regular = "not a cron spec"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestSelectorsConversion(t *testing.T) {
	t.Parallel()

	got := selectors(config.SelectorsConfig{
		Title:          config.SelectorConfig{CSS: "h1"},
		Writer:         config.SelectorConfig{CSS: "meta[name=author]", Attr: "content"},
		Type:           config.SelectorConfig{CSS: ".cat"},
		ChapterLink:    config.SelectorConfig{CSS: "#list a"},
		ChapterContent: config.SelectorConfig{CSS: "#content"},
		Remove:         []string{"ad"},
	})
	assert.Equal(t, site.Selector{CSS: "meta[name=author]", Attr: "content"}, got.Writer)
	assert.Equal(t, ".cat", got.BookType.CSS)
	assert.Equal(t, []string{"ad"}, got.Remove)
	require.NoError(t, got.Validate())
}

func TestRateLimitConfig(t *testing.T) {
	t.Parallel()

	got := rateLimitConfig(config.RateLimitConfig{
		DefaultRPS:   1.5,
		DefaultBurst: 3,
		Hosts:        []config.HostLimit{{Host: "A.example", RPS: 0.5, Burst: 1}},
	})
	assert.Equal(t, 1.5, got.DefaultRPS)
	assert.Equal(t, 3, got.DefaultBurst)
	assert.Equal(t, 0.5, got.Hosts["a.example"].RPS)
}

func TestOrDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4, orDefault(0, 4))
	assert.Equal(t, 9, orDefault(9, 4))
	assert.Equal(t, crawler.DefaultConcurrency, orDefault(-1, crawler.DefaultConcurrency))
}
