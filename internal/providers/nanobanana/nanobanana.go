// Package nanobanana implements the nano-banana drawing API family: the
// JSON url-list variant and the multipart edits variant.
package nanobanana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"aigen/internal/domain"
	"aigen/internal/providers"
)

// Register installs both nano-banana variants into the registry.
func Register(r *providers.Registry) {
	r.Register(domain.APITypeNanoBanana, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
		return NewAdapter(cfg, deps)
	})
	r.Register(domain.APITypeNanoBananaEdits, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
		return NewEditsAdapter(cfg, deps)
	})
}

const defaultModel = "nano-banana-pro"

// Adapter speaks the JSON draw protocol: prompt plus cloud image URLs in,
// provider task id out.
type Adapter struct {
	providers.Base
}

func NewAdapter(cfg *domain.ProviderConfig, deps providers.Deps) *Adapter {
	return &Adapter{Base: providers.Base{Config: cfg, Egress: deps.Egress, Logger: deps.Logger}}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) APIType() domain.APIType        { return domain.APITypeNanoBanana }
func (a *Adapter) ImageForm() providers.ImageForm { return providers.ImageFormURL }

func (a *Adapter) BuildRequestHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Config.APIKey}
}

type drawRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	AspectRatio  string   `json:"aspectRatio"`
	ImageSize    string   `json:"imageSize"`
	URLs         []string `json:"urls"`
	WebHook      string   `json:"webHook"`
	ShutProgress bool     `json:"shutProgress"`
}

func (a *Adapter) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(a.Config.ModelName)
	}
	if model == "" {
		model = defaultModel
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "auto"
	}
	size := req.Size
	if size == "" {
		size = "1K"
	}
	urls := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		urls = append(urls, img.URL)
	}
	body, err := json.Marshal(drawRequest{
		Model:        model,
		Prompt:       req.Prompt,
		AspectRatio:  aspect,
		ImageSize:    size,
		URLs:         urls,
		WebHook:      "-1",
		ShutProgress: false,
	})
	if err != nil {
		return nil, "", fmt.Errorf("nanobanana: encode request: %w", err)
	}
	return body, "application/json", nil
}

func (a *Adapter) DrawURL() string {
	return a.Host() + a.Config.DrawEndpoint
}

type drawResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *Adapter) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
	body, contentType, err := a.BuildRequestBody(req)
	if err != nil {
		return nil, err
	}
	result := &providers.CreateResult{
		RequestParams: map[string]any{
			"model":      a.Config.ModelName,
			"prompt":     req.Prompt,
			"image_urls": providers.Sources(req.Images),
		},
	}
	status, raw, err := a.Do(ctx, http.MethodPost, a.DrawURL(), contentType, body, a.BuildRequestHeaders())
	if err != nil {
		return nil, err
	}
	result.RawResponse = string(raw)
	if status != http.StatusOK {
		result.ErrorMessage = fmt.Sprintf("status %d: %s", status, providers.TruncateForLog(string(raw), 300))
		return result, nil
	}
	var decoded drawResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	if decoded.Code != 0 || decoded.Data.ID == "" {
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		return result, nil
	}
	result.Success = true
	result.TaskID = decoded.Data.ID
	return result, nil
}

type pollRequest struct {
	ID string `json:"Id"`
}

func (a *Adapter) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	body, err := json.Marshal(pollRequest{ID: taskID})
	if err != nil {
		return nil, fmt.Errorf("nanobanana: encode poll request: %w", err)
	}
	headers := a.BuildRequestHeaders()
	headers["Content-Type"] = "application/json"
	return &providers.PollSpec{
		Method:  http.MethodPost,
		URL:     a.Host() + a.Config.ResultEndpoint,
		Body:    body,
		Headers: headers,
	}, nil
}

type pollResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Status  string `json:"status"`
		URL     string `json:"url"`
		Error   string `json:"error"`
		Results []struct {
			URL string `json:"url"`
		} `json:"results"`
	} `json:"data"`
}

func (a *Adapter) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	result := &providers.PollResult{RawResponse: string(body)}
	if statusCode != http.StatusOK {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("status %d: %s", statusCode, providers.TruncateForLog(string(body), 300))
		return result, nil
	}
	var decoded pollResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("nanobanana: decode poll response: %w", err)
	}
	if decoded.Code != 0 {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		return result, nil
	}
	url := decoded.Data.URL
	if url == "" && len(decoded.Data.Results) > 0 {
		url = decoded.Data.Results[0].URL
	}
	switch strings.ToLower(decoded.Data.Status) {
	case "succeeded", "success", "completed", "done":
		if url == "" {
			result.Status = providers.PollFailed
			result.ErrorMessage = "completed without image url"
			return result, nil
		}
		result.Status = providers.PollCompleted
		result.ImageURL = url
	case "failed", "error", "cancelled":
		result.Status = providers.PollFailed
		result.ErrorMessage = firstNonEmpty(decoded.Data.Error, decoded.Msg, "task failed")
	default:
		result.Status = providers.PollProcessing
	}
	return result, nil
}

func (a *Adapter) PollTask(ctx context.Context, taskID string) (*providers.PollResult, error) {
	spec, err := a.BuildPollRequest(taskID)
	if err != nil {
		return nil, err
	}
	status, raw, err := a.Do(ctx, spec.Method, spec.URL, "", spec.Body, spec.Headers)
	if err != nil {
		return nil, err
	}
	return a.ParsePollResponse(status, raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
