package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/eve-kill/imageserver/internal/revalidate"
	"github.com/eve-kill/imageserver/internal/stats"
	"github.com/eve-kill/imageserver/internal/version"
)

// SweepReporter 提供最近一次再验证扫描结果。
type SweepReporter interface {
	LastReport() (revalidate.Report, bool)
	Running() bool
}

// FolderSnapshotter 提供缓存目录统计快照。
type FolderSnapshotter interface {
	Snapshot() (stats.Snapshot, bool)
}

// MappingSource 提供类型图片映射文件的原始内容。
type MappingSource interface {
	RawMapping() []byte
}

// StatusOptions 汇总状态类接口需要的只读依赖，均可为空。
type StatusOptions struct {
	Sweeps    SweepReporter
	Folders   FolderSnapshotter
	Mapping   MappingSource
	StartedAt time.Time
}

// RegisterStatusRoutes 注册 /、/_healthcheck、/status 与 /service-metadata。
func RegisterStatusRoutes(app *fiber.App, opts StatusOptions) {
	if app == nil {
		return
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(serviceDescription())
	})

	app.Get("/_healthcheck", func(c fiber.Ctx) error {
		now := time.Now()
		return c.JSON(fiber.Map{
			"uptime":    int64(now.Sub(opts.StartedAt).Seconds()),
			"upSince":   opts.StartedAt.UTC(),
			"localTime": now.UTC(),
			"service": fiber.Map{
				"name":    version.Name,
				"version": version.Version,
				"commit":  version.Commit,
			},
		})
	})

	app.Get("/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"process": stats.Process(opts.StartedAt),
		}
		if opts.Folders != nil {
			if snap, ok := opts.Folders.Snapshot(); ok {
				payload["folders"] = snap
			}
		}
		if opts.Sweeps != nil {
			sweep := fiber.Map{"running": opts.Sweeps.Running()}
			if report, ok := opts.Sweeps.LastReport(); ok {
				sweep["last"] = report
			}
			payload["revalidation"] = sweep
		}
		return c.JSON(payload)
	})

	app.Get("/service-metadata", func(c fiber.Ctx) error {
		if opts.Mapping == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "service_metadata_unavailable"})
		}
		raw := opts.Mapping.RawMapping()
		if len(raw) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "service_metadata_unavailable"})
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(raw)
	})
}

func serviceDescription() fiber.Map {
	return fiber.Map{
		"status":      "ok",
		"name":        version.Name,
		"version":     version.Version,
		"description": "On-demand cache for EVE Online images with resizing, format conversion and overlays.",
		"parameters": fiber.Map{
			"size":      "Resize to fit inside size x size, never upscaled (galaxy images snap to 32/64/128)",
			"imagetype": "Force output format (webp, png, jpg). Overrides the Accept header.",
			"overlay":   "Composite a tech/faction overlay in the top-left corner",
		},
		"endpoints": fiber.Map{
			"characters":     []string{"/characters/{id}/portrait", "/characters/{id}/portrait?size=128"},
			"corporations":   []string{"/corporations/{id}/logo", "/corporations/{id}/logo?size=64"},
			"alliances":      []string{"/alliances/{id}/logo", "/alliances/{id}/logo?size=64"},
			"types":          []string{"/types/{id}/icon", "/types/{id}/bp", "/types/{id}/bpc", "/types/{id}/render", "/types/{id}/overlayrender?overlay=t2"},
			"regions":        []string{"/regions/{id}", "/regions/{id}?size=64"},
			"systems":        []string{"/systems/{id}", "/systems/{id}?size=64"},
			"constellations": []string{"/constellations/{id}", "/constellations/{id}?size=64"},
			"oldcharacters":  []string{"/oldcharacters/{id}"},
			"status":         []string{"/status", "/_healthcheck", "/service-metadata", "/-/kinds"},
		},
	}
}
