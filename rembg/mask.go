package rembg

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// U²-Net 系列模型的 ImageNet 归一化参数
var (
	u2netMean = [3]float32{0.485, 0.456, 0.406}
	u2netStd  = [3]float32{0.229, 0.224, 0.225}
)

// fillTensor 把 img 缩放到 size×size 并写入 NCHW 布局的 dst (len = 3*size*size)
// 先除以最大像素值，再做 mean/std 归一化；alpha 直接丢弃
func fillTensor(dst []float32, img image.Image, size int) {
	src := imaging.Clone(resize.Resize(uint(size), uint(size), img, resize.Lanczos3))

	var maxVal uint8
	for i := 0; i < len(src.Pix); i += 4 {
		maxVal = max(maxVal, src.Pix[i], src.Pix[i+1], src.Pix[i+2])
	}
	scale := float32(1e-6)
	if maxVal > 0 {
		scale = float32(maxVal)
	}

	plane := size * size
	for y := 0; y < size; y++ {
		row := y * src.Stride
		for x := 0; x < size; x++ {
			p := row + x*4
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(src.Pix[p+c]) / scale
				dst[c*plane+idx] = (v - u2netMean[c]) / u2netStd[c]
			}
		}
	}
}

// maskFromPrediction 把模型输出做 min-max 归一化，得到 size×size 的灰度 mask
func maskFromPrediction(pred []float32, size int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, size, size))
	n := size * size
	if len(pred) < n || n == 0 {
		return mask
	}

	mi, ma := pred[0], pred[0]
	for _, v := range pred[:n] {
		mi = min(mi, v)
		ma = max(ma, v)
	}
	// 输出完全一致时没有可分辨的前景
	if ma-mi <= 0 {
		return mask
	}

	for i, v := range pred[:n] {
		mask.Pix[i] = uint8((v-mi)/(ma-mi)*255 + 0.5)
	}
	return mask
}

// applyMask 把 mask 缩放到 img 的尺寸后作为 alpha，返回新图
func applyMask(img image.Image, mask *image.Gray) *image.NRGBA {
	dst := imaging.Clone(img)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	var m image.Image = mask
	if mask.Bounds().Dx() != w || mask.Bounds().Dy() != h {
		m = resize.Resize(uint(w), uint(h), mask, resize.Lanczos3)
	}
	gray := toGray(m)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint32(gray.Pix[y*gray.Stride+x])
			p := y*dst.Stride + x*4 + 3
			dst.Pix[p] = uint8(uint32(dst.Pix[p]) * a / 255)
		}
	}
	return dst
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.Pix[y*g.Stride+x] = uint8(r >> 8)
		}
	}
	return g
}
