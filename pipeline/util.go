package pipeline

import (
	"errors"
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

var ErrNoForeground = errors.New("no foreground detected")

// ResizeExact 缩放到 w×h，不保持宽高比
func ResizeExact(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return toNRGBA(img)
	}
	return toNRGBA(resize.Resize(uint(w), uint(h), img, resize.Lanczos3))
}

// hasUsefulAlpha 检查 alpha 通道是否 真的包含透明信息
// 只要存在非 255（非完全不透明），就认为“已有抠图”
func hasUsefulAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// AlphaBBox 从 alpha 通道计算主体 bounding box
// 把 alpha > threshold * 255 的像素当作“主体”
func AlphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	th := uint8(threshold * 255)

	minX, minY := w, h
	maxX, maxY := 0, 0
	found := false

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] > th {
				found = true
				minX = min(minX, x)
				minY = min(minY, y)
				maxX = max(maxX, x)
				maxY = max(maxY, y)
			}
		}
	}

	if !found {
		return image.Rectangle{}, ErrNoForeground
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// CropSquare 以主体中心为中心、最长边为边长裁剪正方形（超出图片的部分被截掉）
func CropSquare(img *image.NRGBA, bbox image.Rectangle) *image.NRGBA {
	cx := (bbox.Min.X + bbox.Max.X) / 2
	cy := (bbox.Min.Y + bbox.Max.Y) / 2
	half := max(bbox.Dx(), bbox.Dy()) / 2

	rect := image.Rect(cx-half, cy-half, cx+half, cy+half).Intersect(img.Bounds())

	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// Contain 等比缩放后居中放进 size×size 的透明画布
func Contain(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	b := img.Bounds()
	if b.Empty() || size <= 0 {
		return dst
	}

	ratio := math.Min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	w := max(1, int(math.Round(float64(b.Dx())*ratio)))
	h := max(1, int(math.Round(float64(b.Dy())*ratio)))
	off := image.Pt((size-w)/2, (size-h)/2)

	xdraw.CatmullRom.Scale(dst, image.Rectangle{Min: off, Max: off.Add(image.Pt(w, h))}, img, b, xdraw.Src, nil)
	return dst
}

// Avatar 裁出主体所在的正方形并放进 size×size 画布；没有主体时整图 contain
func Avatar(img image.Image, size int) *image.NRGBA {
	src := toNRGBA(img)
	bbox, err := AlphaBBox(src, 0.8)
	if err != nil {
		return Contain(src, size)
	}
	return Contain(CropSquare(src, bbox), size)
}

// toNRGBA 转为原点在 (0,0) 的 NRGBA，方便按 Pix 下标处理
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return nrgba
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
