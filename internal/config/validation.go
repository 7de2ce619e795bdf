package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var supportedKinds = map[string]struct{}{
	"characters":     {},
	"corporations":   {},
	"alliances":      {},
	"types":          {},
	"regions":        {},
	"systems":        {},
	"constellations": {},
	"oldcharacters":  {},
}

const supportedKindList = "characters|corporations|alliances|types|regions|systems|constellations|oldcharacters"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.CacheRoot == "" {
		return newFieldError("Global.CacheRoot", "不能为空")
	}
	if err := validateUpstream(g.UpstreamBaseURL); err != nil {
		return fmt.Errorf("Global.UpstreamBaseURL: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxUpstreamBytes <= 0 {
		return newFieldError("Global.MaxUpstreamBytes", "必须大于 0")
	}
	if g.PlaceholderCharacterID <= 0 {
		return newFieldError("Global.PlaceholderCharacterID", "必须大于 0")
	}
	if g.RevalidationInterval.DurationValue() <= 0 {
		return newFieldError("Global.RevalidationInterval", "必须大于 0")
	}
	if g.SweepInterval.DurationValue() <= 0 {
		return newFieldError("Global.SweepInterval", "必须大于 0")
	}
	// 扫描周期必须短于单条目的再验证周期，才能形成重叠覆盖。
	if g.SweepInterval.DurationValue() >= g.RevalidationInterval.DurationValue() {
		return newFieldError("Global.SweepInterval", "必须小于 RevalidationInterval")
	}
	if g.SweepInitialDelay.DurationValue() < 0 {
		return newFieldError("Global.SweepInitialDelay", "不能为负数")
	}
	if g.SweepConcurrency <= 0 {
		return newFieldError("Global.SweepConcurrency", "必须大于 0")
	}
	if g.FolderStatsInterval.DurationValue() <= 0 {
		return newFieldError("Global.FolderStatsInterval", "必须大于 0")
	}

	seen := map[string]struct{}{}
	for i := range c.Kinds {
		kind := &c.Kinds[i]
		name := strings.ToLower(strings.TrimSpace(kind.Name))
		if name == "" {
			return newFieldError("Kind[].Name", "不能为空")
		}
		if _, ok := supportedKinds[name]; !ok {
			return newFieldError(kindField(kind.Name, "Name"), "仅支持 "+supportedKindList)
		}
		if _, exists := seen[name]; exists {
			return newFieldError(kindField(name, "Name"), "重复")
		}
		seen[name] = struct{}{}
		kind.Name = name
		if kind.MaxAge.DurationValue() < 0 {
			return newFieldError(kindField(name, "MaxAge"), "不能为负数")
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveMaxAge 返回指定资源类型生效的缓存时长，未覆盖时回退至 fallback。
func (c *Config) EffectiveMaxAge(kind string, fallback time.Duration) time.Duration {
	if override, ok := c.KindOverride(kind); ok && override.MaxAge.DurationValue() > 0 {
		return override.MaxAge.DurationValue()
	}
	return fallback
}

// EffectiveRevalidate 返回指定资源类型是否参与后台再验证，未覆盖时回退至 fallback。
func (c *Config) EffectiveRevalidate(kind string, fallback bool) bool {
	if override, ok := c.KindOverride(kind); ok && override.Revalidate != nil {
		return *override.Revalidate
	}
	return fallback
}
