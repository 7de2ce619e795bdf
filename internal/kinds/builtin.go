package kinds

import (
	"time"

	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/imaging"
)

const (
	day   = 24 * time.Hour
	month = 30 * day
)

var galaxySizes = []int{32, 64, 128}

// Builtin 返回内置的资源类型定义。
func Builtin() []Kind {
	return []Kind{
		{
			Name:           "characters",
			Description:    "Character portraits, legacy archive fallback for placeholder responses",
			UpstreamPath:   "characters",
			DefaultVariant: "portrait",
			Local:          LocalNone,
			LegacyFallback: true,
			BaseFormat:     imaging.FormatJPEG,
			MaxAge:         month,
			Revalidate:     true,
			AcceptsSize:    true,
		},
		{
			Name:           "corporations",
			Description:    "Corporation logos",
			UpstreamPath:   "corporations",
			DefaultVariant: "logo",
			Local:          LocalNone,
			BaseFormat:     imaging.FormatPNG,
			MaxAge:         day,
			Revalidate:     true,
			AcceptsSize:    true,
		},
		{
			Name:           "alliances",
			Description:    "Alliance logos",
			UpstreamPath:   "alliances",
			DefaultVariant: "logo",
			Local:          LocalNone,
			BaseFormat:     imaging.FormatPNG,
			MaxAge:         day,
			Revalidate:     true,
			AcceptsSize:    true,
		},
		{
			Name:           "types",
			Description:    "Item icons, blueprints and renders from the bundled image dump",
			UpstreamPath:   "types",
			DefaultVariant: "icon",
			Variants:       []string{"icon", "bp", "bpc", "render", "overlayrender"},
			Local:          LocalTypeMapping,
			BaseFormat:     imaging.FormatPNG,
			MaxAge:         month,
			Revalidate:     false,
			AcceptsSize:    true,
		},
		galaxyKind("regions", "Region map images"),
		galaxyKind("systems", "Solar system map images"),
		galaxyKind("constellations", "Constellation map images"),
		{
			Name:        "oldcharacters",
			Description: "Archived character portraits (256px)",
			Local:       LocalLegacyPortrait,
			BaseFormat:  imaging.FormatJPEG,
			MaxAge:      day,
		},
	}
}

func galaxyKind(name, description string) Kind {
	return Kind{
		Name:        name,
		Description: description,
		Local:       LocalGalaxyMap,
		BaseFormat:  imaging.FormatPNG,
		MaxAge:      day,
		SizeSteps:   galaxySizes,
		AcceptsSize: true,
	}
}

// NewDefaultTable 基于内置定义构建查找表，并应用配置中的 [[Kind]] 覆盖项。
func NewDefaultTable(cfg *config.Config) (*Table, error) {
	entries := Builtin()
	if cfg != nil {
		for i := range entries {
			entries[i].MaxAge = cfg.EffectiveMaxAge(entries[i].Name, entries[i].MaxAge)
			entries[i].Revalidate = cfg.EffectiveRevalidate(entries[i].Name, entries[i].Revalidate)
		}
	}
	return NewTable(entries...)
}
