// Package rembg 背景去除后端。
//
// 分割本身交给外部推理运行时（onnxruntime、ComfyUI、rembg 命令行），
// 这里只负责把图片送进去、把带 alpha 的结果取回来。
package rembg

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

// Remover 返回与输入同尺寸、背景透明的图片
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Closer 持有外部资源（推理 session 等）的 Remover 需要实现
type Closer interface {
	Close() error
}

// Func 把普通函数适配为 Remover
type Func func(ctx context.Context, img image.Image) (image.Image, error)

func (f Func) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

// Passthrough 不做分割，原样返回 NRGBA 副本，用于演练和测试
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.Clone(img), nil
}

// Close 如果 r 实现了 Closer 则关闭
func Close(r Remover) error {
	if c, ok := r.(Closer); ok {
		return c.Close()
	}
	return nil
}
