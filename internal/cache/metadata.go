package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/afero"
)

// ErrNoMetadata 表示条目没有可用的 sidecar（不存在或无法解析）。
var ErrNoMetadata = errors.New("cache metadata not found")

// Metadata 记录抓取时观察到的上游校验值与下一次再验证时间。
type Metadata struct {
	Validator   string    `json:"validator"`
	LastChecked time.Time `json:"lastChecked"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// MetadataStore 管理与正文同目录的 sidecar 文件。
type MetadataStore struct {
	store    Store
	fs       afero.Fs
	interval time.Duration
	now      func() time.Time
}

// NewMetadataStore 基于 Store 的目录布局构建元数据存储，interval 为单条目再验证周期。
func NewMetadataStore(fsys afero.Fs, store Store, interval time.Duration) *MetadataStore {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &MetadataStore{
		store:    store,
		fs:       fsys,
		interval: interval,
		now:      time.Now,
	}
}

// Interval 返回单条目再验证周期。
func (m *MetadataStore) Interval() time.Duration {
	return m.interval
}

// Save 在上游返回校验值时写入 sidecar；validator 为空时不做任何记录。
func (m *MetadataStore) Save(ctx context.Context, locator Locator, validator string) error {
	if validator == "" {
		return nil
	}
	now := m.now().UTC()
	return m.write(ctx, locator, Metadata{
		Validator:   validator,
		LastChecked: now,
		ExpiresAt:   now.Add(m.interval),
	})
}

// Load 读取 sidecar。不存在或内容损坏时返回包装 ErrNoMetadata 的错误。
func (m *MetadataStore) Load(ctx context.Context, locator Locator) (*Metadata, error) {
	entry, err := m.store.Stat(ctx, locator.Sidecar())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoMetadata
		}
		return nil, err
	}
	raw, err := afero.ReadFile(m.fs, entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoMetadata
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrNoMetadata, locator.Sidecar(), err)
	}
	return &meta, nil
}

// NeedsRevalidation 判断条目是否到期：有元数据时比较 expiresAt；
// 没有元数据时按正文文件年龄是否超过 interval 保守判断。
func (m *MetadataStore) NeedsRevalidation(ctx context.Context, locator Locator) bool {
	now := m.now()
	meta, err := m.Load(ctx, locator)
	if err == nil {
		return now.After(meta.ExpiresAt)
	}
	entry, statErr := m.store.Stat(ctx, locator)
	if statErr != nil {
		return false
	}
	return now.Sub(entry.ModTime) > m.interval
}

// Refresh 推进 lastChecked/expiresAt。validator 为空时沿用已有值；
// expiresAt 只会向后移动。
func (m *MetadataStore) Refresh(ctx context.Context, locator Locator, validator string) (*Metadata, error) {
	now := m.now().UTC()
	next := Metadata{
		Validator:   validator,
		LastChecked: now,
		ExpiresAt:   now.Add(m.interval),
	}
	if prev, err := m.Load(ctx, locator); err == nil {
		if next.Validator == "" {
			next.Validator = prev.Validator
		}
		if prev.ExpiresAt.After(next.ExpiresAt) {
			next.ExpiresAt = prev.ExpiresAt
		}
	}
	if err := m.write(ctx, locator, next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Remove 删除 sidecar，不存在时视为成功。
func (m *MetadataStore) Remove(ctx context.Context, locator Locator) error {
	return m.store.Remove(ctx, locator.Sidecar())
}

func (m *MetadataStore) write(ctx context.Context, locator Locator, meta Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := m.store.Put(ctx, locator.Sidecar(), bytes.NewReader(payload), PutOptions{}); err != nil {
		return fmt.Errorf("write metadata %s: %w", locator.Sidecar(), err)
	}
	return nil
}
