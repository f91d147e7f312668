package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"aigen/internal/domain"
	"aigen/internal/httpx"
	"aigen/internal/images"
	"aigen/internal/infra"
)

// DefaultConnectionAckWindow is the shared threshold after which a transport
// error no longer proves the request failed to reach the provider.
const DefaultConnectionAckWindow = 5 * time.Second

// Base carries the pieces every adapter shares: the provider row, the egress
// policy engine, and a logger. HTTPClient overrides the egress-built client
// when set, which tests use to point at a local server.
type Base struct {
	Config     *domain.ProviderConfig
	Egress     *httpx.Egress
	Logger     infra.Logger
	HTTPClient *http.Client
}

// Host returns the config's preferred base URL.
func (b *Base) Host() string {
	return b.Config.Host()
}

// Sync reports whether the provider answers within the request itself.
func (b *Base) Sync() bool {
	return b.Config.IsSyncAPI
}

// ConnectionAckWindow is the default unless an adapter overrides it.
func (b *Base) ConnectionAckWindow() time.Duration {
	return DefaultConnectionAckWindow
}

// Client picks the transport matching the provider's proxy policy and call
// style. Sync providers get the longer window because the image arrives in
// the response body.
func (b *Base) Client() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	t := httpx.DefaultTimeouts()
	if b.Config.IsSyncAPI {
		t = httpx.SyncTimeouts()
	}
	return b.Egress.Client(b.Host(), b.Config.ProxyPolicy, t)
}

// Do performs one HTTP exchange and returns the status code plus the full
// response body.
func (b *Base) Do(ctx context.Context, method, rawURL, contentType string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("providers: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.Client().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("providers: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("providers: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// UploadFunc exposes the provider's file upload endpoint as an upload hook,
// or nil when none is configured.
func (b *Base) UploadFunc() images.UploadFunc {
	if strings.TrimSpace(b.Config.FileUploadEndpoint) == "" {
		return nil
	}
	return b.uploadFile
}

type uploadResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	URL  string `json:"url"`
	Data struct {
		URL      string `json:"url"`
		FileName string `json:"fileName"`
	} `json:"data"`
}

func (b *Base) uploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("providers: multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("providers: multipart write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("providers: multipart close: %w", err)
	}

	endpoint := b.Host() + b.Config.FileUploadEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("providers: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if b.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.Config.APIKey)
	}
	resp, err := b.Client().Do(req)
	if err != nil {
		return "", fmt.Errorf("providers: upload request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("providers: read upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("providers: upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("providers: decode upload response: %w", err)
	}
	url := decoded.Data.URL
	if url == "" {
		url = decoded.URL
	}
	if url == "" {
		return "", fmt.Errorf("providers: upload response has no url: %s", strings.TrimSpace(string(raw)))
	}
	b.Logger.Debug().Str("provider", b.Config.Name).Str("file", filename).Msg("providers: file uploaded")
	return url, nil
}

// Sources lists the original image references for the processing log.
func Sources(imgs []images.Resolved) []string {
	out := make([]string, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, img.Source)
	}
	return out
}

// TruncateForLog shortens long payload values so base64 blobs do not flood
// the processing log.
func TruncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("...(%d bytes total)", len(s))
}
