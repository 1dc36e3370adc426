package rembg

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chaos-io/nobg/config"
)

// ApplyCPUHint 在推理运行时初始化前写入环境变量，提示只使用 CPU
func ApplyCPUHint(hint config.EnvHint) error {
	if hint.Name == "" {
		return nil
	}
	if err := os.Setenv(hint.Name, hint.Value); err != nil {
		return fmt.Errorf("set %s: %w", hint.Name, err)
	}
	slog.Debug("cpu execution hint applied", "env", hint.Name, "value", hint.Value)
	return nil
}

// FromConfig 按配置创建 Remover
func FromConfig(cfg config.Remover) (Remover, error) {
	var env []string
	if cfg.ONNX.Provider == config.ProviderCPU {
		if err := ApplyCPUHint(cfg.CPUEnv); err != nil {
			return nil, err
		}
		if cfg.CPUEnv.Name != "" {
			env = append(env, cfg.CPUEnv.Name+"="+cfg.CPUEnv.Value)
		}
	}

	var (
		r   Remover
		err error
	)
	switch cfg.Backend {
	case config.BackendPassthrough:
		r = NewPassthrough()
	case config.BackendONNX:
		r, err = NewU2Net(cfg.ONNX)
	case config.BackendComfyUI:
		r, err = NewComfyUI(cfg.ComfyUI)
	case config.BackendCommand:
		r, err = NewCommand(cfg.Command.Args, env...)
	default:
		err = fmt.Errorf("unknown remover backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}
