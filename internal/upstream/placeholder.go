package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// PlaceholderProbe 保存上游“缺省头像”的校验值，启动时通过一次 HEAD 初始化。
type PlaceholderProbe struct {
	client *Client
	url    string

	mu   sync.RWMutex
	etag string
}

// NewPlaceholderProbe 以已知占位角色的头像地址构建探针。
func NewPlaceholderProbe(client *Client, characterID int64) *PlaceholderProbe {
	return &PlaceholderProbe{
		client: client,
		url:    fmt.Sprintf("%s/characters/%d/portrait", client.BaseURL(), characterID),
	}
}

// Init 探测占位头像的 ETag。失败只记录日志，此时角色回退逻辑不会触发。
func (p *PlaceholderProbe) Init(ctx context.Context, logger *logrus.Logger) error {
	etag, err := p.client.Head(ctx, p.url)
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{"action": "placeholder_probe", "url": p.url}).
				Warnf("placeholder probe failed: %v", err)
		}
		return err
	}
	p.Set(etag)
	if logger != nil {
		logger.WithFields(logrus.Fields{"action": "placeholder_probe", "etag": etag}).Info("placeholder_ready")
	}
	return nil
}

// Set 直接写入占位校验值。
func (p *PlaceholderProbe) Set(etag string) {
	p.mu.Lock()
	p.etag = etag
	p.mu.Unlock()
}

// ETag 返回已记录的占位校验值，未初始化时为空。
func (p *PlaceholderProbe) ETag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.etag
}

// Matches 判断 etag 是否为占位图。未初始化或 etag 为空时永远不匹配。
func (p *PlaceholderProbe) Matches(etag string) bool {
	if p == nil || etag == "" {
		return false
	}
	current := p.ETag()
	return current != "" && current == etag
}
