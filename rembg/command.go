package rembg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmentio/ksuid"
)

const waitDelay = time.Second

// Command 调用外部命令（例如 python 的 rembg 命令行）去背景。
// 参数里的 {input}、{output} 会被替换为临时 PNG 文件路径。
type Command struct {
	args    []string
	env     []string
	tempDir string
}

func NewCommand(args []string, env ...string) (*Command, error) {
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return &Command{
		args:    args,
		env:     env,
		tempDir: os.TempDir(),
	}, nil
}

func (c *Command) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	id := ksuid.New().String()
	input := filepath.Join(c.tempDir, id+"_input.png")
	output := filepath.Join(c.tempDir, id+"_nobg.png")
	defer func() {
		_ = os.Remove(input)
		_ = os.Remove(output)
	}()

	if err := imaging.Save(img, input); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	argv := c.expand(input, output)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), c.env...)
	// 子进程被杀后，孙进程可能仍占着 stderr 管道
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}

	result, err := imaging.Open(output)
	if err != nil {
		return nil, fmt.Errorf("read command output: %w", err)
	}
	return result, nil
}

func (c *Command) expand(input, output string) []string {
	r := strings.NewReplacer("{input}", input, "{output}", output)
	argv := make([]string, len(c.args))
	for i, a := range c.args {
		argv[i] = r.Replace(a)
	}
	return argv
}
