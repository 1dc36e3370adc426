package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendONNX, cfg.Remover.Backend)
	assert.Equal(t, ProviderCPU, cfg.Remover.ONNX.Provider)
	assert.Equal(t, 256, cfg.Pipeline.Size)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, "CUDA_VISIBLE_DEVICES", cfg.Remover.CPUEnv.Name)
	assert.Equal(t, 2, cfg.Batch.Concurrency)
	assert.Equal(t, 3, cfg.Batch.Retries)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "nobg.yaml")
	err := os.WriteFile(path, []byte(`
remover:
  backend: comfyui
  comfyui:
    base_url: http://comfy:8188/
    poll_interval: 250ms
pipeline:
  size: 512
  timeout: 10s
batch:
  avatar_size: 128
`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendComfyUI, cfg.Remover.Backend)
	assert.Equal(t, "http://comfy:8188/", cfg.Remover.ComfyUI.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Remover.ComfyUI.PollInterval)
	assert.Equal(t, 512, cfg.Pipeline.Size)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 128, cfg.Batch.AvatarSize)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 3, cfg.Batch.Retries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NOBG_BACKEND", "passthrough")
	t.Setenv("NOBG_SIZE", "64")
	t.Setenv("NOBG_TIMEOUT", "3s")
	t.Setenv("NOBG_COMMAND", "python3 -m rembg.cli i {input} {output}")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendPassthrough, cfg.Remover.Backend)
	assert.Equal(t, 64, cfg.Pipeline.Size)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, []string{"python3", "-m", "rembg.cli", "i", "{input}", "{output}"}, cfg.Remover.Command.Args)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NOBG_BATCH_RETRIES=5\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("NOBG_BATCH_RETRIES") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Batch.Retries)
}

func TestLoad_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("remover: [\n"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "默认配置", mutate: func(c *Config) {}},
		{name: "未知后端", mutate: func(c *Config) { c.Remover.Backend = "gpu-magic" }, wantErr: "unknown remover backend"},
		{name: "未知 provider", mutate: func(c *Config) { c.Remover.ONNX.Provider = "tpu" }, wantErr: "unknown onnx provider"},
		{name: "命令后端缺少参数", mutate: func(c *Config) {
			c.Remover.Backend = BackendCommand
			c.Remover.Command.Args = nil
		}, wantErr: "requires remover.command.args"},
		{name: "负尺寸", mutate: func(c *Config) { c.Pipeline.Size = -1 }, wantErr: "pipeline.size"},
		{name: "负超时", mutate: func(c *Config) { c.Pipeline.Timeout = -time.Second }, wantErr: "pipeline.timeout"},
		{name: "并发为 0", mutate: func(c *Config) { c.Batch.Concurrency = 0 }, wantErr: "batch.concurrency"},
		{name: "重试为 0", mutate: func(c *Config) { c.Batch.Retries = 0 }, wantErr: "batch.retries"},
		{name: "负头像尺寸", mutate: func(c *Config) { c.Batch.AvatarSize = -3 }, wantErr: "batch.avatar_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
