package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eve-kill/imageserver/internal/assets"
	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/logging"
	"github.com/eve-kill/imageserver/internal/upstream"
)

var (
	// ErrNotFound 表示资源类型、本地资源或上游资源不存在。
	ErrNotFound = errors.New("image not found")
	// ErrBadRequest 表示请求参数非法。
	ErrBadRequest = errors.New("invalid image request")
)

// 结果来源，写入日志与 X-Cache-Source 头。
const (
	SourceCache    = "cache"
	SourceUpstream = "upstream"
	SourceLocal    = "local"
	SourceLegacy   = "legacy"
)

// Transformer 对源图片执行叠加/缩放/格式转换。
type Transformer interface {
	Transform(src []byte, opts imaging.Options) ([]byte, error)
}

// Fetcher 从上游下载原始图片。
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*upstream.Response, error)
}

// LocalAssets 定位随服务分发的本地图片。
type LocalAssets interface {
	TypeAsset(id, variant string) (string, bool)
	GalaxyAsset(kind, id string, size int) (string, error)
	LegacyPortrait(id string) (string, bool)
	LegacyPortraitOrMissing(id string) (string, error)
	Read(path string) ([]byte, error)
}

// Placeholder 判断上游返回的校验值是否为缺省头像。
type Placeholder interface {
	Matches(etag string) bool
}

// Request 描述一次图片请求，字段均已由 HTTP 层解析。
type Request struct {
	Kind        string
	ID          string
	Variant     string
	Size        int
	Overlay     string
	Format      imaging.Format
	IfNoneMatch string
}

// Result 是 Serve 的输出。NotModified 为 true 时 Body 为空，其余校验/缓存字段仍有效。
type Result struct {
	NotModified  bool
	Body         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	MaxAge       time.Duration
	CacheHit     bool
	Source       string
}

// Deps 聚合 Service 的依赖，全部由调用方显式注入。
type Deps struct {
	Kinds       *kinds.Table
	Store       cache.Store
	Metadata    *cache.MetadataStore
	Pipeline    Transformer
	Upstream    Fetcher
	BaseURL     string
	Assets      LocalAssets
	Placeholder Placeholder
	Logger      *logrus.Logger
}

// Service 是所有资源类型共用的“命中即返回，未命中则加载-转换-落盘”编排器。
type Service struct {
	kinds       *kinds.Table
	store       cache.Store
	meta        *cache.MetadataStore
	pipeline    Transformer
	upstream    Fetcher
	baseURL     string
	assets      LocalAssets
	placeholder Placeholder
	logger      *logrus.Logger
	now         func() time.Time
}

// NewService 校验依赖并构造编排器。
func NewService(deps Deps) (*Service, error) {
	if deps.Kinds == nil || deps.Store == nil || deps.Pipeline == nil {
		return nil, errors.New("imagecache: kinds, store and pipeline are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		kinds:       deps.Kinds,
		store:       deps.Store,
		meta:        deps.Metadata,
		pipeline:    deps.Pipeline,
		upstream:    deps.Upstream,
		baseURL:     deps.BaseURL,
		assets:      deps.Assets,
		placeholder: deps.Placeholder,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// plan 是解析后的请求：缓存 Locator 与转换参数。
type plan struct {
	kind          kinds.Kind
	id            string
	variant       string
	sourceVariant string
	options       imaging.Options
	locator       cache.Locator
}

// Serve 执行 CACHE_HIT / MISS_* -> TRANSFORM -> PERSIST -> SERVE 状态流转。
func (s *Service) Serve(ctx context.Context, req Request) (*Result, error) {
	p, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	if result, ok := s.serveCached(ctx, p, req.IfNoneMatch); ok {
		return result, nil
	}

	src, source, validator, err := s.load(ctx, p)
	if err != nil {
		return nil, err
	}

	out, err := s.pipeline.Transform(src, p.options)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", p.locator, err)
	}

	entry := s.persist(ctx, p, out, source, validator)
	s.logger.WithFields(logging.RequestFields(p.kind.Name, p.id, p.variant, false)).
		WithField("source", source).Debug("cache_miss_filled")
	return s.respond(p, entry, out, req.IfNoneMatch, false, source), nil
}

// Plan 仅解析请求并返回缓存 Locator，供诊断或测试使用。
func (s *Service) Plan(req Request) (cache.Locator, error) {
	p, err := s.resolve(req)
	if err != nil {
		return cache.Locator{}, err
	}
	return p.locator, nil
}

func (s *Service) resolve(req Request) (*plan, error) {
	kind, ok := s.kinds.Resolve(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrNotFound, req.Kind)
	}
	id := strings.TrimSpace(req.ID)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: id %q must be numeric", ErrBadRequest, req.ID)
	}
	variant, ok := kind.ResolveVariant(req.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported variant %q for %s", ErrBadRequest, req.Variant, kind.Name)
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrBadRequest)
	}

	opts := imaging.Options{Format: req.Format, Overlay: strings.ToLower(strings.TrimSpace(req.Overlay))}
	if opts.Format == "" {
		opts.Format = kind.BaseFormat
	}
	if kind.AcceptsSize {
		opts.Size = kind.SnapSize(req.Size)
	}

	sourceVariant := variant
	if variant == "overlayrender" {
		sourceVariant = "render"
	}

	params := map[string]string{}
	if opts.Size > 0 {
		params["size"] = strconv.Itoa(opts.Size)
	}
	if opts.Overlay != "" {
		params["overlay"] = opts.Overlay
	}
	if len(kind.Variants) > 0 {
		params["variant"] = variant
	}

	return &plan{
		kind:          kind,
		id:            id,
		variant:       variant,
		sourceVariant: sourceVariant,
		options:       opts,
		locator:       cache.ResolveLocator(kind.Dir, id, params, opts.Format.Ext()),
	}, nil
}

func (s *Service) serveCached(ctx context.Context, p *plan, ifNoneMatch string) (*Result, bool) {
	entry, err := s.store.Stat(ctx, p.locator)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.WithError(err).WithFields(logging.EntryFields("cache_get_failed", p.locator.String())).Warn("cache_get_failed")
		}
		return nil, false
	}

	if cache.IsNotModified(ifNoneMatch, cache.ValidatorFor(*entry)) {
		return s.respond(p, *entry, nil, ifNoneMatch, true, SourceCache), true
	}

	read, err := s.store.Get(ctx, p.locator)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.WithError(err).WithFields(logging.EntryFields("cache_get_failed", p.locator.String())).Warn("cache_get_failed")
		}
		return nil, false
	}
	defer read.Reader.Close()
	body, err := io.ReadAll(read.Reader)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.EntryFields("cache_read_failed", p.locator.String())).Warn("cache_read_failed")
		return nil, false
	}
	return s.respond(p, read.Entry, body, ifNoneMatch, true, SourceCache), true
}

// load 按资源类型选择本地或上游来源，返回原始字节、来源和上游校验值。
func (s *Service) load(ctx context.Context, p *plan) ([]byte, string, string, error) {
	switch p.kind.Local {
	case kinds.LocalTypeMapping:
		if s.assets != nil {
			if path, ok := s.assets.TypeAsset(p.id, p.sourceVariant); ok {
				data, err := s.readLocal(p, path)
				return data, SourceLocal, "", err
			}
		}
	case kinds.LocalGalaxyMap:
		if s.assets == nil {
			return nil, "", "", fmt.Errorf("%w: %s/%s", ErrNotFound, p.kind.Name, p.id)
		}
		path, err := s.assets.GalaxyAsset(p.kind.Dir, p.id, p.options.Size)
		if err != nil {
			return nil, "", "", s.classifyLocal(err)
		}
		data, err := s.readLocal(p, path)
		return data, SourceLocal, "", err
	case kinds.LocalLegacyPortrait:
		if s.assets == nil {
			return nil, "", "", fmt.Errorf("%w: %s/%s", ErrNotFound, p.kind.Name, p.id)
		}
		path, err := s.assets.LegacyPortraitOrMissing(p.id)
		if err != nil {
			return nil, "", "", s.classifyLocal(err)
		}
		data, err := s.readLocal(p, path)
		return data, SourceLegacy, "", err
	}

	if !p.kind.UpstreamBacked() || s.upstream == nil {
		return nil, "", "", fmt.Errorf("%w: %s/%s", ErrNotFound, p.kind.Name, p.id)
	}
	return s.fetchUpstream(ctx, p)
}

func (s *Service) fetchUpstream(ctx context.Context, p *plan) ([]byte, string, string, error) {
	url := p.kind.UpstreamURL(s.baseURL, p.id, p.sourceVariant)
	resp, err := s.upstream.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, "", "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, "", "", err
	}

	if p.kind.LegacyFallback && s.placeholder != nil && s.assets != nil && s.placeholder.Matches(resp.ETag) {
		if path, ok := s.assets.LegacyPortrait(p.id); ok {
			data, err := s.assets.Read(path)
			if err == nil {
				s.logger.WithFields(logging.RequestFields(p.kind.Name, p.id, p.variant, false)).
					Info("legacy_portrait_fallback")
				return data, SourceLegacy, "", nil
			}
			s.logger.WithError(err).WithFields(logging.EntryFields("legacy_read_failed", path)).Warn("legacy_read_failed")
		}
	}
	return resp.Body, SourceUpstream, resp.ETag, nil
}

func (s *Service) readLocal(p *plan, path string) ([]byte, error) {
	data, err := s.assets.Read(path)
	if err != nil {
		// 映射存在但文件缺失属于数据完整性问题，按 404 处理并记录错误。
		s.logger.WithError(err).
			WithFields(logging.RequestFields(p.kind.Name, p.id, p.variant, false)).
			Error("local_asset_missing")
		return nil, s.classifyLocal(err)
	}
	return data, nil
}

func (s *Service) classifyLocal(err error) error {
	if errors.Is(err, assets.ErrAssetNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// persist 原子写入转换结果；仅上游来源会记录校验值。写入失败不影响本次响应。
func (s *Service) persist(ctx context.Context, p *plan, out []byte, source, validator string) cache.Entry {
	entry, err := s.store.Put(ctx, p.locator, bytes.NewReader(out), cache.PutOptions{})
	if err != nil {
		s.logger.WithError(err).WithFields(logging.EntryFields("cache_write_failed", p.locator.String())).Warn("cache_write_failed")
		return cache.Entry{Locator: p.locator, SizeBytes: int64(len(out)), ModTime: s.now().UTC()}
	}
	if source == SourceUpstream && s.meta != nil {
		if err := s.meta.Save(ctx, p.locator, validator); err != nil {
			s.logger.WithError(err).WithFields(logging.EntryFields("metadata_write_failed", p.locator.String())).Warn("metadata_write_failed")
		}
	}
	return *entry
}

func (s *Service) respond(p *plan, entry cache.Entry, body []byte, ifNoneMatch string, hit bool, source string) *Result {
	etag := cache.ValidatorFor(entry)
	result := &Result{
		ContentType:  p.options.Format.ContentType(),
		ETag:         etag,
		LastModified: entry.ModTime,
		MaxAge:       p.kind.MaxAge,
		CacheHit:     hit,
		Source:       source,
	}
	if cache.IsNotModified(ifNoneMatch, etag) {
		result.NotModified = true
		return result
	}
	result.Body = body
	return result
}
