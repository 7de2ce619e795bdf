package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/spf13/afero"
)

// GenerateOverlaySizes 为目录下每个原始 {kind}.png 生成 {kind}-{size}.png。
// 先最近邻放大到 2x 目标尺寸，再用 Catmull-Rom 缩小，边缘更平滑。
func GenerateOverlaySizes(fsys afero.Fs, dir string, sizes []int) ([]string, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read overlay dir: %w", err)
	}

	var generated []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".png") || strings.Contains(name, "-") {
			continue
		}
		base := strings.TrimSuffix(name, ".png")
		raw, err := afero.ReadFile(fsys, filepath.Join(dir, name))
		if err != nil {
			return generated, err
		}
		master, err := png.Decode(bytes.NewReader(raw))
		if err != nil {
			return generated, fmt.Errorf("decode %s: %w", name, err)
		}
		for _, size := range sizes {
			out := fmt.Sprintf("%s-%d.png", base, size)
			if err := writeOverlay(fsys, filepath.Join(dir, out), smoothScale(master, size)); err != nil {
				return generated, err
			}
			generated = append(generated, out)
		}
	}
	return generated, nil
}

func smoothScale(src image.Image, size int) image.Image {
	mid := image.NewRGBA(image.Rect(0, 0, size*2, size*2))
	xdraw.NearestNeighbor.Scale(mid, mid.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), mid, mid.Bounds(), xdraw.Src, nil)
	return dst
}

func writeOverlay(fsys afero.Fs, path string, img image.Image) error {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return afero.WriteFile(fsys, path, buf.Bytes(), 0o644)
}
