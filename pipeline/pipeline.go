package pipeline

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/guard"
	"github.com/chaos-io/nobg/rembg"
	"github.com/chaos-io/nobg/util"
)

const (
	DefaultSize    = 256
	DefaultTimeout = 45 * time.Second
)

type Pipeline struct {
	RemBG rembg.Remover
	// Size > 0 时输入先缩放到 Size×Size（不保持宽高比），输出也保证是这个尺寸
	Size int
	// Timeout <= 0 表示推理不设超时
	Timeout time.Duration
	// KeepAlpha 输入已有透明信息时跳过推理
	KeepAlpha bool
	// PostProcess 去背景之后、保存之前的额外处理（例如头像裁剪）
	PostProcess func(img image.Image) image.Image

	logger *slog.Logger
}

type Option func(p *Pipeline)

func WithSize(size int) Option {
	return func(p *Pipeline) { p.Size = size }
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) { p.Timeout = timeout }
}

func WithKeepAlpha(keep bool) Option {
	return func(p *Pipeline) { p.KeepAlpha = keep }
}

func WithPostProcess(fn func(img image.Image) image.Image) Option {
	return func(p *Pipeline) { p.PostProcess = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(remover rembg.Remover, opts ...Option) *Pipeline {
	p := &Pipeline{
		RemBG:   remover,
		Size:    DefaultSize,
		Timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig 用 pipeline 配置段创建
func FromConfig(remover rembg.Remover, cfg config.Pipeline, logger *slog.Logger) *Pipeline {
	return NewPipeline(remover,
		WithSize(cfg.Size),
		WithTimeout(cfg.Timeout),
		WithKeepAlpha(cfg.KeepAlpha),
		WithLogger(logger),
	)
}

// Process 读取 input，去背景后写入 output。
// 输出格式在推理前就校验，扩展名不支持时不会浪费一次推理。
func (p *Pipeline) Process(ctx context.Context, input, output string) error {
	log := p.logger.With("input", input, "output", output)

	if _, err := util.FormatFromPath(output); err != nil {
		return ioError("save image", err)
	}

	img, err := util.LoadImage(ctx, input)
	if err != nil {
		return ioError("open image", err)
	}
	log.Info("image loaded", "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	result, err := p.Remove(ctx, img)
	if err != nil {
		return err
	}
	if p.PostProcess != nil {
		result = p.PostProcess(result)
	}

	if err := util.SaveImage(result, output); err != nil {
		return ioError("save image", err)
	}
	log.Info("image saved", "width", result.Bounds().Dx(), "height", result.Bounds().Dy())
	return nil
}

// Remove 缩放 + 带超时保护的背景去除
func (p *Pipeline) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	defer util.Trace("remove background")()

	src := img
	if p.Size > 0 {
		src = ResizeExact(img, p.Size, p.Size)
		p.logger.Debug("image resized", "size", p.Size)
	}

	if p.KeepAlpha {
		if n := toNRGBA(src); hasUsefulAlpha(n) {
			p.logger.Info("input already has transparency, skipping inference")
			return n, nil
		}
	}

	g := guard.New(p.Timeout)
	p.logger.Debug("running background removal", "timeout", p.Timeout)
	out, err := guard.Call(ctx, g, func(ctx context.Context) (image.Image, error) {
		return p.RemBG.Remove(ctx, src)
	})
	p.logger.Debug("background removal finished", "state", g.State())
	if err != nil {
		return nil, inferenceError(err)
	}
	if out == nil {
		return nil, inferenceError(errors.New("remover returned no image"))
	}

	// 远程后端可能返回别的尺寸
	if p.Size > 0 {
		if b := out.Bounds(); b.Dx() != p.Size || b.Dy() != p.Size {
			out = ResizeExact(out, p.Size, p.Size)
		}
	}
	return out, nil
}
