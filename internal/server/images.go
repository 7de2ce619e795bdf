package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eve-kill/imageserver/internal/imagecache"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/logging"
	"github.com/eve-kill/imageserver/internal/upstream"
)

// imageQuery 是图片路由接受的查询参数。
type imageQuery struct {
	Size      string `validate:"omitempty,number,max=5"`
	ImageType string `validate:"omitempty,oneof=webp png jpg jpeg"`
	Overlay   string `validate:"omitempty,alphanum,max=32"`
}

type imageHandler struct {
	images   ImageService
	logger   *logrus.Logger
	validate *validator.Validate
	now      func() time.Time
}

func newImageHandler(images ImageService, logger *logrus.Logger) *imageHandler {
	return &imageHandler{
		images:   images,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (h *imageHandler) handle(kind kinds.Kind) fiber.Handler {
	return func(c fiber.Ctx) error {
		query := imageQuery{
			Size:      strings.TrimSpace(c.Query("size")),
			ImageType: strings.ToLower(strings.TrimSpace(c.Query("imagetype"))),
			Overlay:   strings.ToLower(strings.TrimSpace(c.Query("overlay"))),
		}
		if err := h.validate.Struct(query); err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_query")
		}
		size := 0
		if query.Size != "" {
			parsed, err := strconv.Atoi(query.Size)
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "invalid_query")
			}
			size = parsed
		}

		format, err := imagecache.NegotiateFormat(kind, query.ImageType, c.Get(fiber.HeaderAccept))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_query")
		}

		req := imagecache.Request{
			Kind:        kind.Name,
			ID:          c.Params("id"),
			Variant:     c.Params("variant"),
			Size:        size,
			Overlay:     query.Overlay,
			Format:      format,
			IfNoneMatch: c.Get(fiber.HeaderIfNoneMatch),
		}
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := h.images.Serve(ctx, req)
		if err != nil {
			return h.renderError(c, req, err)
		}

		c.Locals(contextKeyCacheHit, result.CacheHit)
		c.Locals(contextKeySource, result.Source)
		h.writeHeaders(c, result)
		if result.NotModified {
			c.Status(fiber.StatusNotModified)
			return nil
		}
		c.Set(fiber.HeaderContentType, result.ContentType)
		return c.Status(fiber.StatusOK).Send(result.Body)
	}
}

func (h *imageHandler) writeHeaders(c fiber.Ctx, result *imagecache.Result) {
	maxAge := int64(result.MaxAge / time.Second)
	c.Set(fiber.HeaderETag, result.ETag)
	c.Set(fiber.HeaderCacheControl, "public, max-age="+strconv.FormatInt(maxAge, 10))
	c.Set(fiber.HeaderExpires, h.now().Add(result.MaxAge).UTC().Format(http.TimeFormat))
	if !result.LastModified.IsZero() {
		c.Set(fiber.HeaderLastModified, result.LastModified.UTC().Format(http.TimeFormat))
	}
	c.Set(fiber.HeaderVary, fiber.HeaderAccept)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set("X-Cache-Source", result.Source)
	if result.CacheHit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
}

// renderError 将编排器错误映射为 HTTP 状态码与错误码。
func (h *imageHandler) renderError(c fiber.Ctx, req imagecache.Request, err error) error {
	status, code := classifyError(err)
	fields := logging.RequestFields(req.Kind, req.ID, req.Variant, false)
	fields["action"] = "serve_image"
	fields["request_id"] = RequestID(c)
	entry := h.logger.WithError(err).WithFields(fields)
	if status >= fiber.StatusInternalServerError {
		entry.Error("serve_image_failed")
	} else {
		entry.Debug("serve_image_rejected")
	}
	return writeError(c, status, code)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, imagecache.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, imagecache.ErrBadRequest):
		return fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, imaging.ErrDecode):
		return fiber.StatusBadGateway, "bad_upstream_image"
	case errors.Is(err, upstream.ErrUnavailable):
		return fiber.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
