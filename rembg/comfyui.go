package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"mime/multipart"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/nobg/config"
	nhttp "github.com/chaos-io/nobg/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	// workflow 中代表输入图片的占位文件名
	workflowImagePlaceholder = "MyImage.png"
)

//go:embed workflow.json
var defaultWorkflow string

// ComfyUI 通过 ComfyUI 的 HTTP API 调用 BiRefNet 工作流去背景
type ComfyUI struct {
	baseURL      string
	pollInterval time.Duration
	workflow     string
	cli          nhttp.IClient
}

func NewComfyUI(cfg config.ComfyUI) (*ComfyUI, error) {
	workflow := defaultWorkflow
	if cfg.Workflow != "" {
		data, err := os.ReadFile(cfg.Workflow)
		if err != nil {
			return nil, fmt.Errorf("read workflow: %w", err)
		}
		workflow = string(data)
	}
	if !strings.Contains(workflow, workflowImagePlaceholder) {
		return nil, fmt.Errorf("workflow has no %q placeholder", workflowImagePlaceholder)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &ComfyUI{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		pollInterval: pollInterval,
		workflow:     workflow,
		cli:          nhttp.NewHTTPClient(),
	}, nil
}

func (c *ComfyUI) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	name := ksuid.New().String() + ".png"

	uploaded, err := c.uploadImage(ctx, name, img)
	if err != nil {
		return nil, err
	}

	promptID, err := c.prompt(ctx, uploaded)
	if err != nil {
		return nil, err
	}

	ref, err := c.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return c.download(ctx, ref)
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (c *ComfyUI) uploadImage(ctx context.Context, name string, img image.Image) (*uploadImageResp, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + "api/upload/image",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	slog.Debug("uploaded image to comfyui", "name", resp.Name, "subfolder", resp.Subfolder)
	return resp, nil
}

type promptResp struct {
	PromptID string `json:"prompt_id"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (c *ComfyUI) prompt(ctx context.Context, uploaded *uploadImageResp) (string, error) {
	imageName := uploaded.Name
	if uploaded.Subfolder != "" {
		imageName = uploaded.Subfolder + "/" + uploaded.Name
	}
	workflow := strings.ReplaceAll(c.workflow, workflowImagePlaceholder, imageName)

	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflow), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + "api/prompt",
		Method:     "POST",
		Body:       map[string]any{"prompt": wk},
		Response:   resp,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("queue prompt: empty prompt_id")
	}

	slog.Debug("queued comfyui prompt", "model", BiRefNetModel, "prompt_id", resp.PromptID)
	return resp.PromptID, nil
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

// waitOutput 轮询 /api/history/{id}，直到工作流产出图片
func (c *ComfyUI) waitOutput(ctx context.Context, promptID string) (*imageRef, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: c.baseURL + "api/history/" + promptID,
			Method:     "GET",
			Response:   &history,
		}
		if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return nil, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("comfyui prompt %s failed", promptID)
			}
			for _, out := range entry.Outputs {
				if len(out.Images) > 0 {
					return &out.Images[0], nil
				}
			}
			if entry.Status.Completed {
				return nil, fmt.Errorf("comfyui prompt %s completed without images", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ComfyUI) download(ctx context.Context, ref *imageRef) (image.Image, error) {
	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: c.baseURL + "api/view",
		Method:     "GET",
		Query: map[string]string{
			"filename":  ref.Filename,
			"subfolder": ref.Subfolder,
			"type":      ref.Type,
		},
		Response: &data,
	}
	if err := c.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode output %s: %w", ref.Filename, err)
	}
	return img, nil
}
