package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/eve-kill/imageserver/internal/assets"
	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/imagecache"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/revalidate"
	"github.com/eve-kill/imageserver/internal/server"
	"github.com/eve-kill/imageserver/internal/upstream"
)

const portraitPath = "/characters/123/portrait"

type flowEnv struct {
	app         *fiber.App
	stub        *imageStub
	cacheRoot   string
	legacyDir   string
	probe       *upstream.PlaceholderProbe
	revalidator *revalidate.Revalidator
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	stub := newImageStub(t, 256)
	cacheRoot := t.TempDir()
	legacyDir := t.TempDir()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       3000,
			UpstreamBaseURL:  stub.URL,
			UpstreamTimeout:  config.Duration(5 * time.Second),
			MaxUpstreamBytes: 1 << 20,
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fsys := afero.NewOsFs()
	store, err := cache.NewStore(fsys, cacheRoot)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	meta := cache.NewMetadataStore(fsys, store, 24*time.Hour)
	table, err := kinds.NewDefaultTable(cfg)
	if err != nil {
		t.Fatalf("kinds error: %v", err)
	}
	client := upstream.NewClient(cfg)
	probe := upstream.NewPlaceholderProbe(client, 1)
	catalog := assets.NewCatalog(fsys, assets.Options{AssetRoot: t.TempDir(), LegacyDir: legacyDir})

	service, err := imagecache.NewService(imagecache.Deps{
		Kinds:       table,
		Store:       store,
		Metadata:    meta,
		Pipeline:    imaging.NewPipeline(nil, logger),
		Upstream:    client,
		BaseURL:     client.BaseURL(),
		Assets:      catalog,
		Placeholder: probe,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("service error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Images:     service,
		Kinds:      table,
		ListenPort: 3000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	revalidator := revalidate.New(revalidate.Deps{
		Kinds:    table,
		Store:    store,
		Metadata: meta,
		Checker:  client,
		BaseURL:  client.BaseURL(),
		Logger:   logger,
	}, revalidate.Options{Interval: time.Hour, Concurrency: 2})

	return &flowEnv{
		app:         app,
		stub:        stub,
		cacheRoot:   cacheRoot,
		legacyDir:   legacyDir,
		probe:       probe,
		revalidator: revalidator,
	}
}

func (e *flowEnv) get(t *testing.T, target, ifNoneMatch string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

// expire 把条目的 expiresAt 改到过去，使下一次扫描必然检查它。
func (e *flowEnv) expire(t *testing.T, kind, name, validator string) {
	t.Helper()
	past := time.Now().Add(-time.Minute).UTC()
	payload, _ := json.Marshal(cache.Metadata{Validator: validator, LastChecked: past.Add(-24 * time.Hour), ExpiresAt: past})
	path := filepath.Join(e.cacheRoot, kind, name+cache.MetaSuffix)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
}

func TestPortraitFlowWithConditionalRequestAndRevalidation(t *testing.T) {
	env := newFlowEnv(t)
	env.stub.SetETag(portraitPath, `"a"`)

	// Miss -> upstream fetch + transform
	resp, body := env.get(t, portraitPath+"?size=128", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "MISS" || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected headers: %v", resp.Header)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil || format != "jpeg" || cfg.Width != 128 || cfg.Height != 128 {
		t.Fatalf("expected 128x128 jpeg, got %dx%d %s (%v)", cfg.Width, cfg.Height, format, err)
	}
	if _, err := os.Stat(filepath.Join(env.cacheRoot, "characters", "123-128.jpg")); err != nil {
		t.Fatalf("transformed entry should be persisted: %v", err)
	}
	etag := resp.Header.Get("ETag")

	// Conditional hit -> 304 without touching upstream
	resp, body = env.get(t, portraitPath+"?size=128", etag)
	if resp.StatusCode != fiber.StatusNotModified || len(body) != 0 {
		t.Fatalf("expected empty 304, got %d (%d bytes)", resp.StatusCode, len(body))
	}
	if resp.Header.Get("ETag") != etag {
		t.Fatalf("304 should repeat the validator")
	}

	// Plain hit -> same bytes from disk
	resp, second := env.get(t, portraitPath+"?size=128", "")
	if resp.Header.Get("X-Cache") != "HIT" || resp.Header.Get("X-Cache-Source") != "cache" {
		t.Fatalf("expected cache hit on third request")
	}
	if env.stub.Count(http.MethodGet, portraitPath) != 1 {
		t.Fatalf("expected single upstream GET, got %d", env.stub.Count(http.MethodGet, portraitPath))
	}
	if len(second) == 0 {
		t.Fatalf("cache hit should carry the body")
	}

	// Unchanged upstream -> entry survives the sweep
	env.expire(t, "characters", "123-128.jpg", `"a"`)
	report, ok := env.revalidator.Sweep(context.Background())
	if !ok || report.Validated != 1 || report.Removed != 0 {
		t.Fatalf("unexpected sweep report %+v", report)
	}

	// Upstream change -> sweep evicts, next request refetches
	env.stub.SetETag(portraitPath, `"b"`)
	env.expire(t, "characters", "123-128.jpg", `"a"`)
	report, _ = env.revalidator.Sweep(context.Background())
	if report.Removed != 1 {
		t.Fatalf("changed validator should evict: %+v", report)
	}
	if _, err := os.Stat(filepath.Join(env.cacheRoot, "characters", "123-128.jpg")); !os.IsNotExist(err) {
		t.Fatalf("evicted entry should be gone: %v", err)
	}

	resp, _ = env.get(t, portraitPath+"?size=128", etag)
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("expected refetch after eviction, got %d %s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	if env.stub.Count(http.MethodGet, portraitPath) != 2 {
		t.Fatalf("expected second upstream GET, got %d", env.stub.Count(http.MethodGet, portraitPath))
	}
}

func TestPlaceholderPortraitFallsBackToLegacyArchive(t *testing.T) {
	env := newFlowEnv(t)
	env.probe.Set(`"placeholder"`)
	env.stub.SetETag("/characters/999/portrait", `"placeholder"`)
	legacy := solidJPEG(t, 256, 256)
	if err := os.WriteFile(filepath.Join(env.legacyDir, "999_256.jpg"), legacy, 0o644); err != nil {
		t.Fatalf("write legacy portrait: %v", err)
	}

	resp, body := env.get(t, "/characters/999/portrait", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache-Source") != "legacy" {
		t.Fatalf("expected legacy source, got %s", resp.Header.Get("X-Cache-Source"))
	}
	if !bytes.Equal(body, legacy) {
		t.Fatalf("untransformed legacy portrait should be served verbatim")
	}
	if _, err := os.Stat(filepath.Join(env.cacheRoot, "characters", "999.jpg"+cache.MetaSuffix)); !os.IsNotExist(err) {
		t.Fatalf("legacy fallback must not record upstream metadata")
	}
}

func TestUpstreamNotFoundMapsTo404(t *testing.T) {
	env := newFlowEnv(t)
	env.stub.mu.Lock()
	env.stub.missing["/alliances/5/logo"] = true
	env.stub.mu.Unlock()

	resp, body := env.get(t, "/alliances/5/logo", "")
	if resp.StatusCode != fiber.StatusNotFound || !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected 404 not_found, got %d %s", resp.StatusCode, body)
	}
	if _, err := os.Stat(filepath.Join(env.cacheRoot, "alliances", "5.png")); !os.IsNotExist(err) {
		t.Fatalf("failed fetches must not write the cache")
	}
}
