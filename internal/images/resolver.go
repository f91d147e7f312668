package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aigen/internal/domain"
	"aigen/internal/httpx"
)

// Resolved is one caller image reference normalized for an adapter. URL is
// set when a public address exists; Data/MIME when the bytes were fetched.
// Source always keeps the original reference for the processing log.
type Resolved struct {
	Source string
	URL    string
	Data   []byte
	MIME   string
}

// UploadFunc pushes local bytes to a provider's file-upload endpoint and
// returns the resulting cloud URL.
type UploadFunc func(ctx context.Context, filename string, data []byte) (string, error)

// Resolver converts caller-supplied image references (local paths, own-host
// URLs, third-party URLs) into whatever shape the chosen adapter requires.
type Resolver struct {
	uploadsPath       string
	mediaOriginalPath string
	publicHost        string
	httpClient        *http.Client
	logger            zerolog.Logger
}

// NewResolver maps the known own-host URL prefixes onto filesystem roots.
// publicBaseURL names the host this service is reachable on; URLs on that
// host are read from disk instead of fetched back through HTTP.
func NewResolver(uploadsPath, mediaOriginalPath, publicBaseURL string, logger zerolog.Logger) *Resolver {
	publicHost := ""
	if parsed, err := url.Parse(publicBaseURL); err == nil {
		publicHost = parsed.Hostname()
	}
	return &Resolver{
		uploadsPath:       uploadsPath,
		mediaOriginalPath: mediaOriginalPath,
		publicHost:        publicHost,
		httpClient:        &http.Client{Timeout: 60 * time.Second},
		logger:            logger,
	}
}

// ResolveURLs returns one public URL per reference. Local paths and own-host
// URLs are uploaded through upload; a nil upload means the provider has no
// file-upload endpoint configured, which is fatal rather than silently
// degraded to base64.
func (r *Resolver) ResolveURLs(ctx context.Context, refs []string, upload UploadFunc) ([]Resolved, error) {
	out := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if isPublicURL(ref) {
			out = append(out, Resolved{Source: ref, URL: ref})
			continue
		}
		data, mime, err := r.readLocal(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrImageResolution, err)
		}
		if upload == nil {
			return nil, fmt.Errorf("%w: %q is local and the provider has no file upload endpoint configured", domain.ErrImageResolution, ref)
		}
		cloudURL, err := upload(ctx, filepath.Base(ref), data)
		if err != nil {
			return nil, fmt.Errorf("%w: upload %q: %v", domain.ErrImageResolution, ref, err)
		}
		out = append(out, Resolved{Source: ref, URL: cloudURL, MIME: mime})
	}
	return out, nil
}

// ResolveBytes returns the raw bytes per reference, reading from disk for
// local/own-host references and fetching over HTTP otherwise. Proxies are
// always disabled for loopback/RFC1918 hosts.
func (r *Resolver) ResolveBytes(ctx context.Context, refs []string) ([]Resolved, error) {
	out := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if path, ok := r.localPathFor(ref); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: read %q: %v", domain.ErrImageResolution, ref, err)
			}
			out = append(out, Resolved{Source: ref, Data: data, MIME: DetectMIME(data)})
			continue
		}
		if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
			return nil, fmt.Errorf("%w: local path %q not found", domain.ErrImageResolution, ref)
		}
		data, mime, err := r.fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %q: %v", domain.ErrImageResolution, ref, err)
		}
		resolved := Resolved{Source: ref, URL: ref, Data: data, MIME: mime}
		if resolved.MIME == "" {
			resolved.MIME = DetectMIME(data)
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (r *Resolver) readLocal(ctx context.Context, ref string) ([]byte, string, error) {
	if path, ok := r.localPathFor(ref); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read %q: %w", ref, err)
		}
		return data, DetectMIME(data), nil
	}
	return nil, "", fmt.Errorf("local path %q not found", ref)
}

// localPathFor rewrites own-host URLs and relative paths to disk locations.
func (r *Resolver) localPathFor(ref string) (string, bool) {
	candidate := ref
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		parsed, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		host := parsed.Hostname()
		if !httpx.IsPrivateHost(host) && (r.publicHost == "" || host != r.publicHost) {
			return "", false
		}
		candidate = parsed.Path
	}
	switch {
	case strings.HasPrefix(candidate, "/uploads/"):
		candidate = filepath.Join(r.uploadsPath, strings.TrimPrefix(candidate, "/uploads/"))
	case strings.HasPrefix(candidate, "uploads/"):
		candidate = filepath.Join(r.uploadsPath, strings.TrimPrefix(candidate, "uploads/"))
	case strings.HasPrefix(candidate, "/media/original/"):
		candidate = filepath.Join(r.mediaOriginalPath, strings.TrimPrefix(candidate, "/media/original/"))
	}
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, true
	}
	return "", false
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	client := r.httpClient
	if httpx.IsPrivateHost(req.URL.Hostname()) {
		// Bypass any environment proxy for our own hosts.
		client = &http.Client{
			Transport: &http.Transport{Proxy: nil},
			Timeout:   r.httpClient.Timeout,
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func isPublicURL(ref string) bool {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return !httpx.IsPrivateHost(parsed.Hostname())
}

// DetectMIME sniffs the image type from magic bytes, defaulting to JPEG.
func DetectMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// ExtForMIME maps a MIME type (or URL suffix fallback) to a file extension.
func ExtForMIME(mime, rawURL string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	}
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			if ext := strings.ToLower(filepath.Ext(u.Path)); ext != "" && len(ext) <= 5 {
				return ext
			}
		}
	}
	return ".jpg"
}
