package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/sirupsen/logrus"
)

// ErrDecode 表示源图片无法解码，调用方不得缓存任何结果。
var ErrDecode = errors.New("image decode failed")

// defaultMaxPixels 限制完整解码的像素总数，约 4096x4096。
const defaultMaxPixels = 1 << 24

// Options 描述一次转换请求。零值字段表示跳过对应步骤。
type Options struct {
	Size    int
	Overlay string
	Format  Format
}

// OverlaySource 按目标边长提供叠加图，找不到时返回 ErrOverlayNotFound。
type OverlaySource interface {
	Overlay(kind string, side int) (image.Image, error)
}

// Pipeline 以固定顺序执行：叠加 -> 缩放 -> 格式转换。
type Pipeline struct {
	overlays    OverlaySource
	logger      *logrus.Logger
	jpegQuality int
	maxPixels   int64
}

// NewPipeline 构造转换流水线；overlays 为空时所有叠加请求都会被跳过。
func NewPipeline(overlays OverlaySource, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		overlays:    overlays,
		logger:      logger,
		jpegQuality: defaultJPEGQuality,
		maxPixels:   defaultMaxPixels,
	}
}

// Transform 对 src 执行请求的转换。没有任何像素修改且格式一致时原样返回 src。
func (p *Pipeline) Transform(src []byte, opts Options) ([]byte, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	srcFormat := formatFromDecoder(name)
	target := opts.Format
	if target == "" {
		target = srcFormat
	}

	needsResize := opts.Size > 0 && cfg.Width > opts.Size
	if opts.Overlay == "" && !needsResize && target == srcFormat {
		return src, nil
	}

	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrDecode, cfg.Width, cfg.Height)
	}
	img, _, err := decodeImage(src)
	if err != nil {
		return nil, err
	}

	modified := false
	if opts.Overlay != "" {
		if composed, ok := p.applyOverlay(img, opts.Overlay); ok {
			img = composed
			modified = true
		}
	}
	if needsResize {
		img = fitInside(img, opts.Size)
		modified = true
	}

	if !modified && target == srcFormat {
		return src, nil
	}
	return encodeImage(img, target, p.jpegQuality)
}

// OverlaySide 返回叠加图在底图上占据的正方形边长：max(16, floor(width/4))。
func OverlaySide(baseWidth int) int {
	side := baseWidth / 4
	if side < 16 {
		side = 16
	}
	return side
}

func (p *Pipeline) applyOverlay(base image.Image, kind string) (image.Image, bool) {
	if p.overlays == nil {
		return base, false
	}
	bounds := base.Bounds()
	side := OverlaySide(bounds.Dx())
	overlay, err := p.overlays.Overlay(kind, side)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"action":  "overlay_skip",
			"overlay": kind,
		}).Warn(err.Error())
		return base, false
	}

	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, base, bounds.Min, draw.Src)
	dst := image.Rect(0, 0, side, side).Add(bounds.Min)
	xdraw.CatmullRom.Scale(canvas, dst, overlay, overlay.Bounds(), xdraw.Over, nil)
	return canvas, true
}

// fitInside 将图片等比缩放到 size x size 框内。
func fitInside(src image.Image, size int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	nw, nh := size, size
	if w >= h {
		nh = max(1, (h*size+w/2)/w)
	} else {
		nw = max(1, (w*size+h/2)/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst
}
