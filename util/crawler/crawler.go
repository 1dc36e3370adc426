// Package crawler 下载远程图片到本地目录，作为批处理的输入。
// 图片来源可以是网页中的 <img>，也可以是 json 清单。
package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	nhttp "github.com/chaos-io/nobg/util/http"
)

// Source 一张待下载的图片
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Crawler struct {
	cli         nhttp.IClient
	concurrency int
	logger      *slog.Logger
}

type Option func(c *Crawler)

func WithClient(cli nhttp.IClient) Option {
	return func(c *Crawler) { c.cli = cli }
}

func WithConcurrency(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(opts ...Option) *Crawler {
	c := &Crawler{
		cli:         nhttp.NewHTTPClient(),
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageImages 抓取页面中所有 <img> 的地址，match 非空时只保留匹配的
func (c *Crawler) PageImages(ctx context.Context, pageURL string, match *regexp.Regexp) ([]Source, error) {
	var page []byte
	if err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: pageURL,
		Method:     http.MethodGet,
		Response:   &page,
	}); err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	baseURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var sources []Source
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		if match != nil && !match.MatchString(src) {
			return
		}

		// 补全相对路径
		u, err := url.Parse(normalizeThumbURL(src))
		if err != nil {
			return
		}
		full := baseURL.ResolveReference(u).String()
		if seen[full] {
			return
		}
		seen[full] = true
		sources = append(sources, Source{URL: full})
	})
	return sources, nil
}

// normalizeThumbURL MediaWiki 缩略图 .../thumb/a/ab/X.png/120px-X.png 还原成原图 .../a/ab/X.png
func normalizeThumbURL(imgURL string) string {
	parts := strings.Split(imgURL, "/thumb/")
	if len(parts) != 2 {
		return imgURL
	}
	sub := parts[1]
	idx := strings.LastIndex(sub, "/")
	if idx == -1 {
		return imgURL
	}
	return parts[0] + "/" + sub[:idx]
}

// 头像按从大到小的顺序挑选
var avatarFields = []string{
	"image_original", "image_1024", "image_512", "image_192",
	"image_72", "image_48", "image_32", "image_24",
}

type manifestEntry struct {
	Name    string         `json:"name"`
	URL     string         `json:"url"`
	Profile map[string]any `json:"profile"`
}

// LoadManifest 读取 json 清单。支持 [{"name","url"}]、带 profile.image_* 的用户列表，
// 以及把列表放在 usersWhoNeedEmojis 字段里的对象。没有图片地址的条目被忽略。
func LoadManifest(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var wrapped struct {
			Users []manifestEntry `json:"usersWhoNeedEmojis"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil || wrapped.Users == nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		entries = wrapped.Users
	}

	sources := make([]Source, 0, len(entries))
	for _, e := range entries {
		u := e.URL
		if u == "" {
			u = largestAvatar(e.Profile)
		}
		if u == "" {
			slog.Info("no image in manifest entry, skipping", "name", e.Name)
			continue
		}
		sources = append(sources, Source{Name: e.Name, URL: u})
	}
	return sources, nil
}

func largestAvatar(profile map[string]any) string {
	for _, field := range avatarFields {
		if s, ok := profile[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Failure 下载失败的图片
type Failure struct {
	URL string
	Err error
}

type Result struct {
	Saved  []string
	Failed []Failure
}

// Download 并发下载到 dir。单张失败记入 Failed，不影响其他图片。
func (c *Crawler) Download(ctx context.Context, sources []Source, dir string) (*Result, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result = &Result{}
		taken  = map[string]bool{}
	)
	// 文件名提前确定，避免并发时重名
	targets := make([]string, len(sources))
	for i, s := range sources {
		base := uniqueName(fileBase(s), taken)
		targets[i] = filepath.Join(dir, base)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, s := range sources {
		g.Go(func() error {
			saved, err := c.download(gctx, s.URL, targets[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("download failed", "url", s.URL, "error", err)
				result.Failed = append(result.Failed, Failure{URL: s.URL, Err: err})
				return nil
			}
			c.logger.Info("downloaded", "url", s.URL, "file", saved)
			result.Saved = append(result.Saved, saved)
			return nil
		})
	}
	_ = g.Wait()
	return result, ctx.Err()
}

func (c *Crawler) download(ctx context.Context, imgURL, target string) (string, error) {
	var data []byte
	if err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: imgURL,
		Method:     http.MethodGet,
		Response:   &data,
	}); err != nil {
		return "", err
	}

	ext, err := imageExt(data)
	if err != nil {
		return "", err
	}
	target += ext
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

// uniqueName 返回 base、base_2、base_3... 中第一个没被占用的，并标记占用。
// 名字本身带 _N 后缀时也不会和生成的名字撞上。
func uniqueName(base string, taken map[string]bool) string {
	name := base
	for n := 2; taken[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	taken[name] = true
	return name
}

// imageExt 按内容判断扩展名，只接受流水线能解码的格式
func imageExt(data []byte) (string, error) {
	mt := mimetype.Detect(data)
	switch ext := mt.Extension(); ext {
	case ".png", ".jpg", ".gif", ".webp", ".bmp", ".tiff":
		return ext, nil
	default:
		return "", fmt.Errorf("not an image: %s", mt.String())
	}
}

// fileBase 清单里的名字优先，否则用 url 的文件名
func fileBase(s Source) string {
	name := s.Name
	if name == "" {
		if u, err := url.Parse(s.URL); err == nil {
			name = path.Base(u.Path)
			name = strings.TrimSuffix(name, path.Ext(name))
		}
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "image"
	}
	return name
}
