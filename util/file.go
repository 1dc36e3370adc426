package util

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"io"
	"math/bits"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrNoAlpha 输出格式无法保存透明通道
var ErrNoAlpha = errors.New("format cannot store transparency")

// DownloadImage 下载图片
func DownloadImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	imgData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return imaging.Decode(bytes.NewReader(imgData), imaging.AutoOrientation(true))
}

// OpenImage 打开本地图片，按 EXIF 自动旋转
func OpenImage(path string) (image.Image, error) {
	return imaging.Open(path, imaging.AutoOrientation(true))
}

// LoadImage 本地路径或 http(s) URL
func LoadImage(ctx context.Context, pathOrURL string) (image.Image, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return DownloadImage(ctx, pathOrURL)
	}
	return OpenImage(pathOrURL)
}

// FormatFromPath 根据扩展名确定输出格式。
// JPEG 没有 alpha 通道，GIF 编码时会丢失透明度，BMP 不透明时写成 24 位，都直接拒绝。
func FormatFromPath(path string) (imaging.Format, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return 0, fmt.Errorf("%s: unsupported output extension %q", filepath.Base(path), filepath.Ext(path))
	}
	switch format {
	case imaging.JPEG, imaging.GIF, imaging.BMP:
		return 0, fmt.Errorf("%s: %s %w", filepath.Base(path), format, ErrNoAlpha)
	}
	return format, nil
}

// SaveImage 按扩展名编码并写入 path，已存在则覆盖。
// 输出总是带 alpha 通道，即使图像完全不透明。
func SaveImage(img image.Image, path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	nrgba := imaging.Clone(img)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, nrgba, format); err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	data := buf.Bytes()
	if format == imaging.PNG {
		data = withAlphaChunk(data, nrgba)
	}
	return os.WriteFile(path, data, 0o666)
}

// 签名 8 字节，IHDR 块 25 字节
const pngIHDREnd = 8 + 4 + 4 + 13 + 4

// withAlphaChunk png 编码器把不透明图像写成 RGB（color type 2）。
// 插入一个 tRNS 块，把图中没出现的颜色标为透明，解码后就是 NRGBA，像素不变。
func withAlphaChunk(data []byte, img *image.NRGBA) []byte {
	if len(data) < pngIHDREnd || string(data[12:16]) != "IHDR" {
		return data
	}
	bitDepth, colorType := data[24], data[25]
	if bitDepth != 8 || colorType != 2 {
		return data
	}
	key, ok := unusedColor(img)
	if !ok {
		return data
	}

	chunk := make([]byte, 0, 4+4+6+4)
	chunk = binary.BigEndian.AppendUint32(chunk, 6)
	chunk = append(chunk, "tRNS"...)
	chunk = append(chunk, 0, key.R, 0, key.G, 0, key.B)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:pngIHDREnd]...)
	out = append(out, chunk...)
	return append(out, data[pngIHDREnd:]...)
}

// unusedColor 找一个图中没出现的 RGB 颜色，按数值从小到大取第一个
func unusedColor(img *image.NRGBA) (color.NRGBA, bool) {
	used := make([]uint64, (1<<24)/64)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		row := img.Pix[i : i+4*b.Dx()]
		for j := 0; j < len(row); j += 4 {
			c := uint32(row[j])<<16 | uint32(row[j+1])<<8 | uint32(row[j+2])
			used[c>>6] |= 1 << (c & 63)
		}
	}
	for i, word := range used {
		if word == ^uint64(0) {
			continue
		}
		c := uint32(i)<<6 | uint32(bits.TrailingZeros64(^word))
		return color.NRGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 0xff}, true
	}
	return color.NRGBA{}, false
}
