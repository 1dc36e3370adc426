package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendPassthrough = "passthrough"
	BackendONNX        = "onnx"
	BackendComfyUI     = "comfyui"
	BackendCommand     = "command"

	ProviderCPU  = "cpu"
	ProviderCUDA = "cuda"

	envPrefix = "NOBG_"
)

type Config struct {
	Remover  Remover  `yaml:"remover"`
	Pipeline Pipeline `yaml:"pipeline"`
	Batch    Batch    `yaml:"batch"`
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
}

// Remover 背景去除后端
type Remover struct {
	Backend string  `yaml:"backend"`
	ONNX    ONNX    `yaml:"onnx"`
	ComfyUI ComfyUI `yaml:"comfyui"`
	Command Command `yaml:"command"`
	CPUEnv  EnvHint `yaml:"cpu_env"`
}

type ONNX struct {
	LibraryPath string `yaml:"library_path"`
	ModelPath   string `yaml:"model_path"`
	Provider    string `yaml:"provider"`
	Threads     int    `yaml:"threads"`
}

type ComfyUI struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workflow     string        `yaml:"workflow"`
}

// Command 外部命令，参数中的 {input} / {output} 会被替换为临时文件路径
type Command struct {
	Args []string `yaml:"args"`
}

// EnvHint 推理运行时启动前写入进程环境的变量，用于限制只用 CPU
type EnvHint struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type Pipeline struct {
	Size      int           `yaml:"size"`
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlpha bool          `yaml:"keep_alpha"`
}

type Batch struct {
	Concurrency int           `yaml:"concurrency"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
	AvatarSize  int           `yaml:"avatar_size"`
	Journal     string        `yaml:"journal"`
	Schedule    string        `yaml:"schedule"`
}

type Server struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回默认配置
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Remover: Remover{
			Backend: BackendONNX,
			ONNX: ONNX{
				LibraryPath: defaultLibraryPath(),
				ModelPath:   filepath.Join(home, ".u2net", "u2net.onnx"),
				Provider:    ProviderCPU,
			},
			ComfyUI: ComfyUI{
				BaseURL:      "http://127.0.0.1:8188/",
				PollInterval: time.Second,
			},
			Command: Command{
				Args: []string{"rembg", "i", "{input}", "{output}"},
			},
			CPUEnv: EnvHint{Name: "CUDA_VISIBLE_DEVICES", Value: "-1"},
		},
		Pipeline: Pipeline{
			Size:    256,
			Timeout: 45 * time.Second,
		},
		Batch: Batch{
			Concurrency: 2,
			Retries:     3,
			RetryDelay:  2 * time.Second,
			ItemTimeout: 60 * time.Second,
		},
		Server: Server{
			Addr:        ":8080",
			MaxUploadMB: 20,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultLibraryPath() string {
	switch {
	case fileExists("/usr/local/lib/libonnxruntime.so"):
		return "/usr/local/lib/libonnxruntime.so"
	case fileExists("/opt/homebrew/lib/libonnxruntime.dylib"):
		return "/opt/homebrew/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// Load 依次叠加：默认值 -> yaml 文件（path 为空则跳过） -> .env -> NOBG_* 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Remover.Backend = getEnv("BACKEND", c.Remover.Backend)
	c.Remover.ONNX.LibraryPath = getEnv("ONNX_LIBRARY", c.Remover.ONNX.LibraryPath)
	c.Remover.ONNX.ModelPath = getEnv("MODEL_PATH", c.Remover.ONNX.ModelPath)
	c.Remover.ONNX.Provider = getEnv("PROVIDER", c.Remover.ONNX.Provider)
	c.Remover.ONNX.Threads = getEnvAsInt("THREADS", c.Remover.ONNX.Threads)
	c.Remover.ComfyUI.BaseURL = getEnv("COMFYUI_URL", c.Remover.ComfyUI.BaseURL)
	c.Remover.ComfyUI.Workflow = getEnv("COMFYUI_WORKFLOW", c.Remover.ComfyUI.Workflow)
	if args := getEnv("COMMAND", ""); args != "" {
		c.Remover.Command.Args = strings.Fields(args)
	}

	c.Pipeline.Size = getEnvAsInt("SIZE", c.Pipeline.Size)
	c.Pipeline.Timeout = getEnvAsDuration("TIMEOUT", c.Pipeline.Timeout)

	c.Batch.Concurrency = getEnvAsInt("BATCH_CONCURRENCY", c.Batch.Concurrency)
	c.Batch.Retries = getEnvAsInt("BATCH_RETRIES", c.Batch.Retries)
	c.Batch.Journal = getEnv("BATCH_JOURNAL", c.Batch.Journal)

	c.Server.Addr = getEnv("ADDR", c.Server.Addr)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Remover.Backend {
	case BackendPassthrough, BackendONNX, BackendComfyUI, BackendCommand:
	default:
		return fmt.Errorf("unknown remover backend %q", c.Remover.Backend)
	}
	switch c.Remover.ONNX.Provider {
	case ProviderCPU, ProviderCUDA:
	default:
		return fmt.Errorf("unknown onnx provider %q", c.Remover.ONNX.Provider)
	}
	if c.Remover.Backend == BackendCommand && len(c.Remover.Command.Args) == 0 {
		return errors.New("command backend requires remover.command.args")
	}
	if c.Pipeline.Size < 0 {
		return errors.New("pipeline.size must be a non-negative number")
	}
	if c.Pipeline.Timeout < 0 {
		return errors.New("pipeline.timeout must be a non-negative duration")
	}
	if c.Batch.Concurrency < 1 {
		return errors.New("batch.concurrency must be at least 1")
	}
	if c.Batch.Retries < 1 {
		return errors.New("batch.retries must be at least 1")
	}
	if c.Batch.AvatarSize < 0 {
		return errors.New("batch.avatar_size must be a non-negative number")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
