package crawler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nhttp "github.com/chaos-io/nobg/util/http"
)

func pngData(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 3, 3))))
	return buf.Bytes()
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := pngData(t)
	var tiff bytes.Buffer
	require.NoError(t, imaging.Encode(&tiff, image.NewNRGBA(image.Rect(0, 0, 3, 3)), imaging.TIFF))

	mux := http.NewServeMux()
	mux.HandleFunc("/atlas", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<img src="/images/thumb/a/ab/Hero_codex_axe.png/120px-Hero_codex_axe.png">
<img src="/images/Hero_codex_lina.png">
<img src="/images/Hero_codex_lina.png">
<img src="/images/logo.png">
<img src="data:image/png;base64,AAAA">
<img alt="no src">
</body></html>`))
	})
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/images/broken.png" {
			_, _ = w.Write([]byte("<html>not found</html>"))
			return
		}
		if r.URL.Path == "/images/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path == "/images/photo.tif" {
			_, _ = w.Write(tiff.Bytes())
			return
		}
		_, _ = w.Write(img)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCrawler_PageImages(t *testing.T) {
	t.Parallel()

	server := newImageServer(t)
	c := New()

	sources, err := c.PageImages(context.Background(), server.URL+"/atlas", regexp.MustCompile(`Hero_codex`))
	require.NoError(t, err)
	assert.Equal(t, []Source{
		{URL: server.URL + "/images/a/ab/Hero_codex_axe.png"},
		{URL: server.URL + "/images/Hero_codex_lina.png"},
	}, sources)

	all, err := c.PageImages(context.Background(), server.URL+"/atlas", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = c.PageImages(context.Background(), server.URL+"/nope", nil)
	assert.ErrorContains(t, err, "fetch page")
}

func TestNormalizeThumbURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "/images/thumb/a/ab/X.png/120px-X.png", want: "/images/a/ab/X.png"},
		{in: "/images/a/ab/X.png", want: "/images/a/ab/X.png"},
		{in: "/thumb/X.png", want: "/thumb/X.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeThumbURL(tt.in), tt.in)
	}
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    []Source
		wantErr string
	}{
		{
			name:    "简单列表",
			content: `[{"name":"a","url":"http://x/a.png"},{"name":"b"}]`,
			want:    []Source{{Name: "a", URL: "http://x/a.png"}},
		},
		{
			name: "用户头像取最大尺寸",
			content: `[{"name":"bob","profile":{"image_72":"http://x/72.png","image_512":"http://x/512.png","real_name":"Bob","is_custom_image":true}},
				{"name":"ann","profile":{"image_24":"http://x/24.png"}}]`,
			want: []Source{{Name: "bob", URL: "http://x/512.png"}, {Name: "ann", URL: "http://x/24.png"}},
		},
		{
			name:    "包装对象",
			content: `{"usersWhoNeedEmojis":[{"name":"eve","profile":{"image_original":"http://x/o.png","image_1024":"http://x/1024.png"}}]}`,
			want:    []Source{{Name: "eve", URL: "http://x/o.png"}},
		},
		{
			name:    "格式错误",
			content: `{"users":[]}`,
			wantErr: "parse manifest",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, string(rune('a'+i))+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			got, err := LoadManifest(path)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "read manifest")
}

func TestCrawler_Download(t *testing.T) {
	t.Parallel()

	server := newImageServer(t)
	dir := filepath.Join(t.TempDir(), "in")

	sources := []Source{
		{Name: "bob", URL: server.URL + "/images/1.png"},
		{Name: "bob", URL: server.URL + "/images/2.png"},
		{URL: server.URL + "/images/Hero_codex_lina.png"},
		{Name: "a/b", URL: server.URL + "/images/3.png"},
		{Name: "html", URL: server.URL + "/images/broken.png"},
		{Name: "gone", URL: server.URL + "/images/missing.png"},
		{Name: "scan", URL: server.URL + "/images/photo.tif"},
	}

	result, err := New(WithConcurrency(2)).Download(context.Background(), sources, dir)
	require.NoError(t, err)

	saved := make([]string, 0, len(result.Saved))
	for _, p := range result.Saved {
		saved = append(saved, filepath.Base(p))
	}
	sort.Strings(saved)
	assert.Equal(t, []string{"Hero_codex_lina.png", "a_b.png", "bob.png", "bob_2.png", "scan.tiff"}, saved)

	require.Len(t, result.Failed, 2)
	var messages []string
	for _, f := range result.Failed {
		messages = append(messages, f.Err.Error())
	}
	assert.Contains(t, messages[0]+messages[1], "not an image")
	assert.Contains(t, messages[0]+messages[1], "status 404")
	assert.NoFileExists(t, filepath.Join(dir, "html.png"))
}

func TestImageExt(t *testing.T) {
	t.Parallel()

	encode := func(format imaging.Format) []byte {
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 2, 2)), format))
		return buf.Bytes()
	}

	tests := []struct {
		name    string
		data    []byte
		want    string
		wantErr string
	}{
		{name: "png", data: encode(imaging.PNG), want: ".png"},
		{name: "jpeg", data: encode(imaging.JPEG), want: ".jpg"},
		{name: "gif", data: encode(imaging.GIF), want: ".gif"},
		{name: "bmp", data: encode(imaging.BMP), want: ".bmp"},
		{name: "tiff", data: encode(imaging.TIFF), want: ".tiff"},
		{name: "html 页面", data: []byte("<html><body>404</body></html>"), wantErr: "not an image: text/html"},
		{name: "pdf", data: []byte("%PDF-1.4\n"), wantErr: "not an image: application/pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := imageExt(tt.data)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// 序号名不能和本来就带序号的名字撞上
func TestCrawler_DownloadUniqueNames(t *testing.T) {
	t.Parallel()

	server := newImageServer(t)
	dir := t.TempDir()

	sources := []Source{
		{Name: "x", URL: server.URL + "/images/1.png"},
		{Name: "x", URL: server.URL + "/images/2.png"},
		{Name: "x_2", URL: server.URL + "/images/3.png"},
		{Name: "x_2", URL: server.URL + "/images/4.png"},
	}

	result, err := New(WithConcurrency(4)).Download(context.Background(), sources, dir)
	require.NoError(t, err)
	require.Empty(t, result.Failed)

	saved := make([]string, 0, len(result.Saved))
	for _, p := range result.Saved {
		saved = append(saved, filepath.Base(p))
	}
	sort.Strings(saved)
	assert.Equal(t, []string{"x.png", "x_2.png", "x_2_2.png", "x_2_3.png"}, saved)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(sources))
}

// fakeClient 按 url 返回固定内容，不走网络
type fakeClient struct {
	bodies map[string][]byte
}

func (f *fakeClient) DoHTTPRequest(ctx context.Context, param *nhttp.RequestParam) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, ok := f.bodies[param.RequestURI]
	if !ok {
		return errors.New("HTTP request failed with status 503: unavailable")
	}
	raw, ok := param.Response.(*[]byte)
	if !ok {
		return errors.New("unexpected response type")
	}
	*raw = body
	return nil
}

func TestCrawler_WithClient(t *testing.T) {
	t.Parallel()

	cli := &fakeClient{bodies: map[string][]byte{
		"https://wiki.example/heroes": []byte(`<img src="/images/thumb/a/ab/Hero_codex_axe.png/120px-Hero_codex_axe.png"><img src="/img/down.png">`),
		"https://wiki.example/images/a/ab/Hero_codex_axe.png": pngData(t),
	}}
	c := New(WithClient(cli), WithConcurrency(1))

	sources, err := c.PageImages(context.Background(), "https://wiki.example/heroes", nil)
	require.NoError(t, err)
	require.Equal(t, []Source{
		{URL: "https://wiki.example/images/a/ab/Hero_codex_axe.png"},
		{URL: "https://wiki.example/img/down.png"},
	}, sources)

	dir := t.TempDir()
	result, err := c.Download(context.Background(), sources, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "Hero_codex_axe.png")}, result.Saved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "https://wiki.example/img/down.png", result.Failed[0].URL)
	assert.ErrorContains(t, result.Failed[0].Err, "status 503")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Download(ctx, sources, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
