package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eve-kill/imageserver/internal/imagecache"
	"github.com/eve-kill/imageserver/internal/kinds"
)

// ImageService is the orchestrator the image routes delegate to. It allows
// injecting fakes during tests.
type ImageService interface {
	Serve(ctx context.Context, req imagecache.Request) (*imagecache.Result, error)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Images     ImageService
	Kinds      *kinds.Table
	ListenPort int
}

const (
	contextKeyRequestID = "_imageserver_request_id"
	contextKeyCacheHit  = "_imageserver_cache_hit"
	contextKeySource    = "_imageserver_source"
)

// NewApp builds a Fiber application with request id, request logging and one
// image route per resource kind.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image service is required")
	}
	if opts.Kinds == nil {
		return nil, errors.New("kind table is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(requestLogMiddleware(opts.Logger))

	handler := newImageHandler(opts.Images, opts.Logger)
	for _, kind := range opts.Kinds.List() {
		app.Get("/"+kind.Name+"/:id/:variant?", handler.handle(kind))
	}
	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// requestLogMiddleware 为每个请求输出一行结构化日志。
func requestLogMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		fields := logrus.Fields{
			"action":     "request",
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"request_id": RequestID(c),
			"user_agent": c.Get(fiber.HeaderUserAgent),
			"ip":         c.IP(),
		}
		if hit, ok := c.Locals(contextKeyCacheHit).(bool); ok {
			fields["cache_hit"] = hit
		}
		if source, ok := c.Locals(contextKeySource).(string); ok && source != "" {
			fields["source"] = source
		}
		entry := logger.WithFields(fields)
		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Error("request_complete")
		case status >= fiber.StatusBadRequest:
			entry.Warn("request_complete")
		default:
			entry.Info("request_complete")
		}
		return err
	}
}

// errorHandler 把 Fiber 内部错误（未匹配路由、panic 等）统一渲染为 JSON。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code := "internal_error"
			switch fe.Code {
			case fiber.StatusNotFound:
				code = "not_found"
			case fiber.StatusMethodNotAllowed:
				code = "method_not_allowed"
			case fiber.StatusBadRequest:
				code = "bad_request"
			}
			return c.Status(fe.Code).JSON(fiber.Map{"error": code})
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"action":     "request",
			"path":       c.Path(),
			"request_id": RequestID(c),
		}).Error("unhandled_error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
