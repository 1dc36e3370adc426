package rembg

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chaos-io/nobg/config"
)

// 动态输入尺寸的模型按 rembg 的默认值处理
const defaultU2NetSize = 320

var (
	envMu       sync.Mutex
	envLibPath  string
	envInitDone bool
)

// initEnvironment onnxruntime 的环境是进程级的，只初始化一次
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envInitDone {
		if libPath != envLibPath {
			slog.Warn("onnxruntime already initialized, ignoring library path", "initialized", envLibPath, "requested", libPath)
		}
		return nil
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime (%s): %w", libPath, err)
	}
	envLibPath = libPath
	envInitDone = true
	return nil
}

// U2Net 在本地用 onnxruntime 跑 U²-Net 系列模型（u2net / u2netp / silueta）
type U2Net struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
	model   string
}

func NewU2Net(cfg config.ONNX) (*U2Net, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", cfg.ModelPath, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s: expected 1 input and at least 1 output, got %d/%d", cfg.ModelPath, len(inputs), len(outputs))
	}
	size := modelInputSize(inputs[0].Dimensions)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(size), int64(size)))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, err
	}
	defer func() {
		_ = options.Destroy()
	}()

	// 只取第一个输出（d1），其余是深监督的中间结果
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, options)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", cfg.ModelPath, err)
	}

	slog.Debug("u2net session ready", "model", cfg.ModelPath, "input", inputs[0].Name, "output", outputs[0].Name, "size", size, "provider", cfg.Provider)

	return &U2Net{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		size:    size,
		model:   cfg.ModelPath,
	}, nil
}

func sessionOptions(cfg config.ONNX) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			_ = options.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	// 不追加任何 provider 时 onnxruntime 只用 CPU
	if cfg.Provider == config.ProviderCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			_ = options.Destroy()
			return nil, fmt.Errorf("create cuda options: %w", err)
		}
		defer func() {
			_ = cudaOptions.Destroy()
		}()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			_ = options.Destroy()
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}
	return options, nil
}

// modelInputSize NCHW 中 H 维度，动态维度为 -1
func modelInputSize(dims ort.Shape) int {
	if len(dims) == 4 && dims[2] > 0 && dims[2] == dims[3] {
		return int(dims[2])
	}
	return defaultU2NetSize
}

func (u *U2Net) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session == nil {
		return nil, fmt.Errorf("u2net session for %s is closed", u.model)
	}

	fillTensor(u.input.GetData(), img, u.size)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := u.session.Run(); err != nil {
		return nil, fmt.Errorf("run u2net: %w", err)
	}

	mask := maskFromPrediction(u.output.GetData(), u.size)
	return applyMask(img, mask), nil
}

func (u *U2Net) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session == nil {
		return nil
	}
	err := u.session.Destroy()
	_ = u.input.Destroy()
	_ = u.output.Destroy()
	u.session = nil
	return err
}
