package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 IMAGESERVER_CACHEROOT。
const EnvPrefix = "IMAGESERVER"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Kinds {
		applyKindDefaults(&cfg.Kinds[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutizePaths(&cfg.Global); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 3000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheRoot", "./cache")
	v.SetDefault("AssetRoot", "./images")
	v.SetDefault("LegacyPortraitDir", "./cache/oldcharacters")
	v.SetDefault("OverlayDir", "./overlays")
	v.SetDefault("ServiceMetadataPath", "./images/service_metadata.json")
	v.SetDefault("UpstreamBaseURL", "https://images.evetech.net")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxUpstreamBytes", 32*1024*1024)
	v.SetDefault("PlaceholderCharacterID", 1)
	v.SetDefault("RevalidationInterval", "24h")
	v.SetDefault("SweepInterval", "6h")
	v.SetDefault("SweepInitialDelay", "5m")
	v.SetDefault("SweepConcurrency", 4)
	v.SetDefault("FolderStatsInterval", "1h")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 3000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.RevalidationInterval.DurationValue() == 0 {
		g.RevalidationInterval = Duration(24 * time.Hour)
	}
	if g.SweepInterval.DurationValue() == 0 {
		g.SweepInterval = Duration(6 * time.Hour)
	}
	if g.SweepConcurrency == 0 {
		g.SweepConcurrency = 4
	}
	if g.FolderStatsInterval.DurationValue() == 0 {
		g.FolderStatsInterval = Duration(time.Hour)
	}
	if g.MaxUpstreamBytes == 0 {
		g.MaxUpstreamBytes = 32 * 1024 * 1024
	}
	g.UpstreamBaseURL = strings.TrimRight(strings.TrimSpace(g.UpstreamBaseURL), "/")
}

func applyKindDefaults(k *KindConfig) {
	k.Name = strings.ToLower(strings.TrimSpace(k.Name))
	if k.MaxAge.DurationValue() < 0 {
		k.MaxAge = Duration(0)
	}
}

// absolutizePaths 将所有目录配置转换为绝对路径，避免工作目录变化带来的歧义。
func absolutizePaths(g *GlobalConfig) error {
	targets := []struct {
		field string
		value *string
	}{
		{"Global.CacheRoot", &g.CacheRoot},
		{"Global.AssetRoot", &g.AssetRoot},
		{"Global.LegacyPortraitDir", &g.LegacyPortraitDir},
		{"Global.OverlayDir", &g.OverlayDir},
		{"Global.ServiceMetadataPath", &g.ServiceMetadataPath},
	}
	for _, target := range targets {
		if *target.value == "" {
			continue
		}
		abs, err := filepath.Abs(*target.value)
		if err != nil {
			return fmt.Errorf("无法解析 %s: %w", target.field, err)
		}
		*target.value = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
