// Package upstream 封装对远端图片 API 的 GET/HEAD 访问：共享连接池、统一超时、
// 响应体大小上限与状态码分类。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/version"
)

var (
	// ErrNotFound 表示上游明确返回 404。
	ErrNotFound = errors.New("upstream resource not found")
	// ErrUnavailable 表示网络错误、超时或非预期状态码，属于可重试的临时失败。
	ErrUnavailable = errors.New("upstream unavailable")
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultMaxBytes = 32 * 1024 * 1024

// Response 是一次完整 GET 的结果。
type Response struct {
	Body         []byte
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Client 访问上游图片 API，所有请求都带有界超时。
type Client struct {
	http      *http.Client
	baseURL   string
	maxBytes  int64
	userAgent string
}

// NewClient 根据全局配置构建上游客户端。
func NewClient(cfg *config.Config) *Client {
	timeout := 30 * time.Second
	base := "https://images.evetech.net"
	maxBytes := int64(defaultMaxBytes)
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		if cfg.Global.UpstreamBaseURL != "" {
			base = cfg.Global.UpstreamBaseURL
		}
		if cfg.Global.MaxUpstreamBytes > 0 {
			maxBytes = cfg.Global.MaxUpstreamBytes
		}
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		baseURL:   strings.TrimRight(base, "/"),
		maxBytes:  maxBytes,
		userAgent: version.UserAgent(),
	}
}

// BaseURL 返回上游根地址（不含尾部斜杠）。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch 下载完整图片。响应体超过上限视为失败，任何失败都不会返回部分数据。
func (c *Client) Fetch(ctx context.Context, url string) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, url); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, url, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrUnavailable, url, c.maxBytes)
	}

	result := &Response{
		Body:        body,
		ETag:        resp.Header.Get("ETag"),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			result.LastModified = parsed
		}
	}
	return result, nil
}

// Head 发起不传输正文的存在性检查，返回上游校验值（可能为空）。
func (c *Client) Head(ctx context.Context, url string) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode, url); err != nil {
		return "", err
	}
	return resp.Header.Get("ETag"), nil
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, url, err)
	}
	return resp, nil
}

func classifyStatus(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, url, status)
	}
}
