package imagecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/eve-kill/imageserver/internal/assets"
	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/upstream"
)

type countingTransformer struct {
	inner Transformer
	calls atomic.Int32
}

func (c *countingTransformer) Transform(src []byte, opts imaging.Options) ([]byte, error) {
	c.calls.Add(1)
	return c.inner.Transform(src, opts)
}

type upstreamStub struct {
	server *httptest.Server
	hits   atomic.Int32
	status int
	etag   string
	body   []byte
}

type fixture struct {
	service     *Service
	transformer *countingTransformer
	upstream    *upstreamStub
	probe       *upstream.PlaceholderProbe
	store       cache.Store
	root        string
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	stub := &upstreamStub{status: http.StatusOK, etag: `"portrait-v1"`, body: encodeJPEG(t, 256, 256)}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		if stub.etag != "" {
			w.Header().Set("ETag", stub.etag)
		}
		w.WriteHeader(stub.status)
		if r.Method == http.MethodGet {
			_, _ = w.Write(stub.body)
		}
	}))
	t.Cleanup(stub.server.Close)

	fsys := afero.NewOsFs()
	store, err := cache.NewStore(fsys, filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	meta := cache.NewMetadataStore(fsys, store, 24*time.Hour)
	table, err := kinds.NewDefaultTable(nil)
	if err != nil {
		t.Fatalf("kinds: %v", err)
	}
	cfg := &config.Config{Global: config.GlobalConfig{
		UpstreamBaseURL:  stub.server.URL,
		UpstreamTimeout:  config.Duration(2 * time.Second),
		MaxUpstreamBytes: 1 << 20,
	}}
	client := upstream.NewClient(cfg)
	catalog := assets.NewCatalog(fsys, assets.Options{
		AssetRoot:   filepath.Join(root, "images"),
		LegacyDir:   filepath.Join(root, "oldcharacters"),
		MappingPath: filepath.Join(root, "images", "service_metadata.json"),
	})
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	transformer := &countingTransformer{inner: imaging.NewPipeline(imaging.NewOverlayLibrary(fsys, filepath.Join(root, "overlays")), logger)}
	probe := upstream.NewPlaceholderProbe(client, 1)

	service, err := NewService(Deps{
		Kinds:       table,
		Store:       store,
		Metadata:    meta,
		Pipeline:    transformer,
		Upstream:    client,
		BaseURL:     client.BaseURL(),
		Assets:      catalog,
		Placeholder: probe,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &fixture{service: service, transformer: transformer, upstream: stub, probe: probe, store: store, root: root}
}

func (f *fixture) writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.root, "cache", rel))
	return err == nil
}

func TestServePortraitThenServeFromDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	characters, _ := f.service.kinds.Resolve("characters")
	format, err := NegotiateFormat(characters, "", "image/avif,image/png,*/*")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	req := Request{Kind: "characters", ID: "123", Size: 128, Format: format}

	first, err := f.service.Serve(ctx, req)
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if first.CacheHit || first.Source != SourceUpstream {
		t.Fatalf("首次请求应回源: %+v", first)
	}
	if first.ContentType != "image/jpeg" || first.MaxAge != 30*24*time.Hour {
		t.Fatalf("响应元信息不正确: %s %s", first.ContentType, first.MaxAge)
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(first.Body))
	if err != nil || name != "jpeg" || cfg.Width != 128 || cfg.Height != 128 {
		t.Fatalf("期望 128x128 JPEG，得到 %s %dx%d (%v)", name, cfg.Width, cfg.Height, err)
	}
	if !f.exists("characters/123-128.jpg") {
		t.Fatalf("应持久化到 characters/123-128.jpg")
	}
	if !f.exists("characters/123-128.jpg" + cache.MetaSuffix) {
		t.Fatalf("上游来源应写入 sidecar")
	}

	second, err := f.service.Serve(ctx, req)
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if !second.CacheHit || second.Source != SourceCache {
		t.Fatalf("第二次请求应命中缓存: %+v", second)
	}
	if !bytes.Equal(first.Body, second.Body) || first.ETag != second.ETag {
		t.Fatalf("缓存命中应返回相同字节与 ETag")
	}
	if calls := f.transformer.calls.Load(); calls != 1 {
		t.Fatalf("命中缓存不应再次转换，Transform 调用 %d 次", calls)
	}
	if hits := f.upstream.hits.Load(); hits != 1 {
		t.Fatalf("命中缓存不应再次回源，上游请求 %d 次", hits)
	}
}

func TestServeConditionalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Kind: "corporations", ID: "98000001", Size: 64}

	first, err := f.service.Serve(ctx, req)
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	req.IfNoneMatch = first.ETag
	second, err := f.service.Serve(ctx, req)
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if !second.NotModified || second.Body != nil {
		t.Fatalf("相同 ETag 应返回 not modified 且无正文: %+v", second)
	}
	if second.ETag != first.ETag || second.MaxAge != 24*time.Hour {
		t.Fatalf("304 仍应携带校验与缓存信息: %+v", second)
	}

	req.IfNoneMatch = `W/"0-0"`
	third, err := f.service.Serve(ctx, req)
	if err != nil || third.NotModified || len(third.Body) == 0 {
		t.Fatalf("不匹配的 ETag 应返回完整正文: %+v %v", third, err)
	}
}

func TestServeFirstRequestHonoursConditional(t *testing.T) {
	f := newFixture(t)
	req := Request{Kind: "alliances", ID: "99000001"}
	first, err := f.service.Serve(context.Background(), req)
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if first.NotModified || len(first.Body) == 0 {
		t.Fatalf("首次请求应返回正文")
	}
}

func TestServeLegacyFallbackForPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.probe.Set(`"portrait-v1"`)
	legacy := encodeJPEG(t, 256, 256)
	f.writeFile(t, filepath.Join("oldcharacters", "90000001_256.jpg"), legacy)

	result, err := f.service.Serve(context.Background(), Request{Kind: "characters", ID: "90000001", Format: imaging.FormatJPEG})
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if result.Source != SourceLegacy {
		t.Fatalf("占位头像应回退到旧头像，来源 %s", result.Source)
	}
	if !bytes.Equal(result.Body, legacy) {
		t.Fatalf("无转换时应原样返回旧头像")
	}
	if f.exists("characters/90000001.jpg" + cache.MetaSuffix) {
		t.Fatalf("旧头像来源不应写入 sidecar")
	}

	other, err := f.service.Serve(context.Background(), Request{Kind: "characters", ID: "90000002", Format: imaging.FormatJPEG})
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if other.Source != SourceUpstream {
		t.Fatalf("没有旧头像时应使用上游缺省图，来源 %s", other.Source)
	}
}

func TestServeUpstreamFailuresDoNotPersist(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   []byte
		want   error
	}{
		{"not found", http.StatusNotFound, nil, ErrNotFound},
		{"server error", http.StatusInternalServerError, nil, upstream.ErrUnavailable},
		{"garbage body", http.StatusOK, []byte("definitely not an image"), imaging.ErrDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.upstream.status = tc.status
			f.upstream.body = tc.body
			_, err := f.service.Serve(context.Background(), Request{Kind: "alliances", ID: "1", Size: 64})
			if !errors.Is(err, tc.want) {
				t.Fatalf("期望 %v，得到 %v", tc.want, err)
			}
			if f.exists("alliances/1-64.png") || f.exists("alliances/1-64.png"+cache.MetaSuffix) {
				t.Fatalf("失败时不应写入缓存")
			}
		})
	}
}

func TestServeTypesFromLocalMapping(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, filepath.Join("images", "service_metadata.json"),
		[]byte(`{"587": {"icon": "587_64.png", "render": "renders/587.png"}, "588": {"icon": "gone.png"}}`))
	f.writeFile(t, filepath.Join("images", "587_64.png"), encodePNG(t, 64, 64))
	f.writeFile(t, filepath.Join("images", "renders", "587.png"), encodePNG(t, 512, 512))
	if _, err := f.service.assets.(*assets.Catalog).LoadMapping(); err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	ctx := context.Background()

	icon, err := f.service.Serve(ctx, Request{Kind: "types", ID: "587"})
	if err != nil || icon.Source != SourceLocal {
		t.Fatalf("应从本地映射加载: %+v %v", icon, err)
	}
	if !f.exists("types/587-variant=icon.png") {
		t.Fatalf("types 缓存键应包含 variant")
	}

	render, err := f.service.Serve(ctx, Request{Kind: "types", ID: "587", Variant: "overlayrender", Overlay: "faction", Size: 128})
	if err != nil {
		t.Fatalf("overlayrender 缺失叠加图不应失败: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(render.Body))
	if err != nil || cfg.Width != 128 {
		t.Fatalf("render 应缩放到 128: %v %d", err, cfg.Width)
	}

	if _, err := f.service.Serve(ctx, Request{Kind: "types", ID: "588"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("映射指向缺失文件应视为 not found: %v", err)
	}

	hitsBefore := f.upstream.hits.Load()
	f.upstream.body = encodePNG(t, 64, 64)
	remote, err := f.service.Serve(ctx, Request{Kind: "types", ID: "999", Variant: "bp"})
	if err != nil || remote.Source != SourceUpstream {
		t.Fatalf("无映射时应回源: %+v %v", remote, err)
	}
	if f.upstream.hits.Load() != hitsBefore+1 {
		t.Fatalf("应发起一次上游请求")
	}
}

func TestServeGalaxyMapSnapsSize(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, filepath.Join("images", "systems", "30000142.png"), encodePNG(t, 256, 256))

	result, err := f.service.Serve(context.Background(), Request{Kind: "systems", ID: "30000142", Size: 50})
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if !f.exists("systems/30000142-64.png") {
		t.Fatalf("size 50 应吸附到 64")
	}
	if result.MaxAge != 24*time.Hour {
		t.Fatalf("星图缓存时长应为 1 天，得到 %s", result.MaxAge)
	}
	if f.upstream.hits.Load() != 0 {
		t.Fatalf("星图不应访问上游")
	}
	if _, err := f.service.Serve(context.Background(), Request{Kind: "regions", ID: "10000002"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("缺失星图应返回 not found: %v", err)
	}
}

func TestServeOldCharacters(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, filepath.Join("oldcharacters", "missing_256.jpg"), encodeJPEG(t, 256, 256))
	result, err := f.service.Serve(context.Background(), Request{Kind: "oldcharacters", ID: "42", Size: 64, Format: imaging.FormatWebP})
	if err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if result.Source != SourceLegacy || result.ContentType != "image/webp" {
		t.Fatalf("旧头像应转换为 webp: %+v", result)
	}
	if !f.exists("oldcharacters/42.webp") {
		t.Fatalf("旧头像不接受 size，缓存键不应带尺寸")
	}
}

func TestServeRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		req  Request
		want error
	}{
		{Request{Kind: "characters", ID: "abc"}, ErrBadRequest},
		{Request{Kind: "characters", ID: "1", Size: -1}, ErrBadRequest},
		{Request{Kind: "types", ID: "1", Variant: "hologram"}, ErrBadRequest},
		{Request{Kind: "wormholes", ID: "1"}, ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := f.service.Serve(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%+v: 期望 %v，得到 %v", tc.req, tc.want, err)
		}
	}
	if f.upstream.hits.Load() != 0 {
		t.Fatalf("非法请求不应访问上游")
	}
}

func TestPlanIsOrderIndependent(t *testing.T) {
	f := newFixture(t)
	a, err := f.service.Plan(Request{Kind: "types", ID: "587", Variant: "render", Overlay: "faction", Size: 64})
	if err != nil {
		t.Fatalf("plan error: %v", err)
	}
	b, err := f.service.Plan(Request{Kind: "TYPES", ID: " 587 ", Size: 64, Overlay: "Faction", Variant: "render"})
	if err != nil {
		t.Fatalf("plan error: %v", err)
	}
	if a != b {
		t.Fatalf("相同有效参数应得到相同 Locator: %+v vs %+v", a, b)
	}
}

func TestServeConcurrentMissesSameKey(t *testing.T) {
	f := newFixture(t)
	characters, _ := f.service.kinds.Resolve("characters")
	format, err := NegotiateFormat(characters, "", "image/avif,image/png,*/*")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	req := Request{Kind: "characters", ID: "123", Size: 128, Format: format}

	const workers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.service.Serve(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if len(result.Body) == 0 {
				errs <- errors.New("empty body")
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("并发未命中不应失败: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(f.root, "cache", "characters"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	want := []string{"123-128.jpg", "123-128.jpg" + cache.MetaSuffix}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("应只留下一份正文和一个 sidecar，得到 %v", names)
	}

	data, err := os.ReadFile(filepath.Join(f.root, "cache", "characters", "123-128.jpg"))
	if err != nil {
		t.Fatalf("read cached: %v", err)
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || name != "jpeg" || cfg.Width != 128 || cfg.Height != 128 {
		t.Fatalf("落盘文件应是完整的 128x128 JPEG: %s %dx%d (%v)", name, cfg.Width, cfg.Height, err)
	}

	meta, err := f.service.meta.Load(context.Background(), cache.Locator{Kind: "characters", Name: "123-128.jpg"})
	if err != nil {
		t.Fatalf("sidecar 应可读: %v", err)
	}
	if meta.Validator != `"portrait-v1"` {
		t.Fatalf("sidecar 应记录上游校验值，得到 %q", meta.Validator)
	}
}
