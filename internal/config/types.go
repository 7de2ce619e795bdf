package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有资源类型共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// CacheRoot 下按资源类型划分子目录，存放转换后的图片与 .meta.json 旁路文件。
	CacheRoot string `mapstructure:"CacheRoot"`
	// AssetRoot 存放随镜像分发的本地图片（星域/星系/星座图、类型图标）。
	AssetRoot           string `mapstructure:"AssetRoot"`
	LegacyPortraitDir   string `mapstructure:"LegacyPortraitDir"`
	OverlayDir          string `mapstructure:"OverlayDir"`
	ServiceMetadataPath string `mapstructure:"ServiceMetadataPath"`

	UpstreamBaseURL        string   `mapstructure:"UpstreamBaseURL"`
	UpstreamTimeout        Duration `mapstructure:"UpstreamTimeout"`
	MaxUpstreamBytes       int64    `mapstructure:"MaxUpstreamBytes"`
	PlaceholderCharacterID int64    `mapstructure:"PlaceholderCharacterID"`

	RevalidationInterval Duration `mapstructure:"RevalidationInterval"`
	SweepInterval        Duration `mapstructure:"SweepInterval"`
	SweepInitialDelay    Duration `mapstructure:"SweepInitialDelay"`
	SweepConcurrency     int      `mapstructure:"SweepConcurrency"`
	FolderStatsInterval  Duration `mapstructure:"FolderStatsInterval"`
}

// KindConfig 允许按资源类型覆盖默认的缓存时长与再验证开关。
type KindConfig struct {
	Name       string   `mapstructure:"Name"`
	MaxAge     Duration `mapstructure:"MaxAge"`
	Revalidate *bool    `mapstructure:"Revalidate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Kinds  []KindConfig `mapstructure:"Kind"`
}

// KindOverride 返回指定资源类型的覆盖配置；未配置时 ok 为 false。
func (c *Config) KindOverride(name string) (KindConfig, bool) {
	if c == nil {
		return KindConfig{}, false
	}
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, kind := range c.Kinds {
		if strings.ToLower(strings.TrimSpace(kind.Name)) == normalized {
			return kind, true
		}
	}
	return KindConfig{}, false
}

// KindNames 返回配置中出现的资源类型名称，供启动日志使用。
func KindNames(kinds []KindConfig) []string {
	if len(kinds) == 0 {
		return nil
	}
	result := make([]string, len(kinds))
	for i, kind := range kinds {
		result[i] = kind.Name
	}
	return result
}
