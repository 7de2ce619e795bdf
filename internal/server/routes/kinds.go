package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/eve-kill/imageserver/internal/kinds"
)

// RegisterKindRoutes 暴露 /-/kinds 诊断接口，供运维查询资源类型配置。
func RegisterKindRoutes(app *fiber.App, table *kinds.Table) {
	if app == nil || table == nil {
		return
	}

	app.Get("/-/kinds", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"kinds": encodeKinds(table.List())})
	})

	app.Get("/-/kinds/:name", func(c fiber.Ctx) error {
		name := strings.ToLower(strings.TrimSpace(c.Params("name")))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "kind_name_required"})
		}
		kind, ok := table.Resolve(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "kind_not_found"})
		}
		return c.JSON(encodeKind(kind))
	})
}

type kindPayload struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Dir            string   `json:"dir"`
	UpstreamPath   string   `json:"upstream_path,omitempty"`
	DefaultVariant string   `json:"default_variant,omitempty"`
	Variants       []string `json:"variants,omitempty"`
	LocalSource    string   `json:"local_source"`
	LegacyFallback bool     `json:"legacy_fallback"`
	BaseFormat     string   `json:"base_format"`
	MaxAgeSeconds  int64    `json:"max_age_seconds"`
	Revalidate     bool     `json:"revalidate"`
	SizeSteps      []int    `json:"size_steps,omitempty"`
	AcceptsSize    bool     `json:"accepts_size"`
}

func encodeKinds(list []kinds.Kind) []kindPayload {
	if len(list) == 0 {
		return nil
	}
	result := make([]kindPayload, 0, len(list))
	for _, kind := range list {
		result = append(result, encodeKind(kind))
	}
	return result
}

func encodeKind(kind kinds.Kind) kindPayload {
	return kindPayload{
		Name:           kind.Name,
		Description:    kind.Description,
		Dir:            kind.Dir,
		UpstreamPath:   kind.UpstreamPath,
		DefaultVariant: kind.DefaultVariant,
		Variants:       append([]string(nil), kind.Variants...),
		LocalSource:    string(kind.Local),
		LegacyFallback: kind.LegacyFallback,
		BaseFormat:     string(kind.BaseFormat),
		MaxAgeSeconds:  int64(kind.MaxAge.Seconds()),
		Revalidate:     kind.Revalidate,
		SizeSteps:      append([]int(nil), kind.SizeSteps...),
		AcceptsSize:    kind.AcceptsSize,
	}
}
