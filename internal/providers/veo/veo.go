// Package veo implements the veo-video adapter. Submissions look like the
// JSON draw protocol; the completed artifact is a video URL that the rest of
// the pipeline treats like any other output.
package veo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aigen/internal/domain"
	"aigen/internal/providers"
)

func Register(r *providers.Registry) {
	r.Register(domain.APITypeVeoVideo, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
		return New(cfg, deps)
	})
}

type Adapter struct {
	providers.Base
}

func New(cfg *domain.ProviderConfig, deps providers.Deps) *Adapter {
	return &Adapter{Base: providers.Base{Config: cfg, Egress: deps.Egress, Logger: deps.Logger}}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) APIType() domain.APIType        { return domain.APITypeVeoVideo }
func (a *Adapter) ImageForm() providers.ImageForm { return providers.ImageFormURL }

func (a *Adapter) BuildRequestHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Config.APIKey}
}

// maxImagesForModel caps conditioning images per model generation. Newer
// variants accept more reference frames.
func maxImagesForModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "veo3") || strings.Contains(m, "veo-3"):
		return 3
	case strings.Contains(m, "veo2") || strings.Contains(m, "veo-2"):
		return 2
	default:
		return 1
	}
}

func normalizeAspectRatio(ratio string) string {
	switch strings.TrimSpace(ratio) {
	case "9:16":
		return "9:16"
	default:
		return "16:9"
	}
}

type drawRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images"`
	AspectRatio string   `json:"aspect_ratio"`
}

func (a *Adapter) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(a.Config.ModelName)
	}
	urls := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		urls = append(urls, img.URL)
	}
	if limit := maxImagesForModel(model); len(urls) > limit {
		urls = urls[:limit]
	}
	body, err := json.Marshal(drawRequest{
		Model:       model,
		Prompt:      req.Prompt,
		Images:      urls,
		AspectRatio: normalizeAspectRatio(req.AspectRatio),
	})
	if err != nil {
		return nil, "", fmt.Errorf("veo: encode request: %w", err)
	}
	return body, "application/json", nil
}

func (a *Adapter) DrawURL() string {
	return a.Host() + a.Config.DrawEndpoint
}

// createResponse tolerates the id field variants seen across resellers.
type createResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	TaskId string `json:"taskId"`
	Data   struct {
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (r createResponse) taskID() string {
	for _, id := range []string{r.Data.ID, r.Data.TaskID, r.TaskID, r.TaskId, r.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (a *Adapter) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
	body, contentType, err := a.BuildRequestBody(req)
	if err != nil {
		return nil, err
	}
	result := &providers.CreateResult{
		RequestParams: map[string]any{
			"model":        a.Config.ModelName,
			"prompt":       req.Prompt,
			"image_urls":   providers.Sources(req.Images),
			"aspect_ratio": normalizeAspectRatio(req.AspectRatio),
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
	var decoded createResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	id := decoded.taskID()
	if id == "" {
		result.ErrorMessage = firstNonEmpty(decoded.Msg, "response carried no task id")
		return result, nil
	}
	result.Success = true
	result.TaskID = id
	return result, nil
}

func (a *Adapter) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	body, err := json.Marshal(struct {
		ID string `json:"Id"`
	}{ID: taskID})
	if err != nil {
		return nil, fmt.Errorf("veo: encode poll request: %w", err)
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
		Status     string `json:"status"`
		URL        string `json:"url"`
		VideoURL   string `json:"video_url"`
		Error      string `json:"error"`
		ETASeconds int    `json:"eta_seconds"`
		Results    []struct {
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
		return nil, fmt.Errorf("veo: decode poll response: %w", err)
	}
	if decoded.Code != 0 {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		return result, nil
	}
	url := firstNonEmpty(decoded.Data.VideoURL, decoded.Data.URL)
	if url == "" && len(decoded.Data.Results) > 0 {
		url = decoded.Data.Results[0].URL
	}
	switch strings.ToLower(decoded.Data.Status) {
	case "succeeded", "success", "completed", "done":
		if url == "" {
			result.Status = providers.PollFailed
			result.ErrorMessage = "completed without video url"
			return result, nil
		}
		result.Status = providers.PollCompleted
		result.ImageURL = url
	case "failed", "error", "cancelled":
		result.Status = providers.PollFailed
		result.ErrorMessage = firstNonEmpty(decoded.Data.Error, decoded.Msg, "task failed")
	default:
		result.Status = providers.PollProcessing
		if decoded.Data.ETASeconds > 0 {
			result.ETA = time.Duration(decoded.Data.ETASeconds) * time.Second
		}
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
