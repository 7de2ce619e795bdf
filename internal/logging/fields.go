package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源类型/ID/命中状态字段，供图片请求日志复用。
func RequestFields(kind, id, variant string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"kind":      kind,
		"id":        id,
		"variant":   variant,
		"cache_hit": cacheHit,
	}
}

// SweepFields 汇总一次后台再验证扫描的统计数据。
func SweepFields(validated, removed, skipped, errs int, elapsedMs int64) logrus.Fields {
	return logrus.Fields{
		"action":     "revalidate_sweep",
		"validated":  validated,
		"removed":    removed,
		"skipped":    skipped,
		"errors":     errs,
		"elapsed_ms": elapsedMs,
	}
}

// EntryFields 描述单个缓存条目，供再验证与写入失败日志使用。
func EntryFields(action, path string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"path":   path,
	}
}
