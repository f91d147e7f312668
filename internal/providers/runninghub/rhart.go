// Package runninghub implements the two RunningHub adapters: the RH-Art
// edit API and the ComfyUI workflow API. Both families share the legacy
// status-code poll shape.
package runninghub

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
	r.Register(domain.APITypeRunningHubRHArt, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
		return NewRHArt(cfg, deps)
	})
	r.Register(domain.APITypeRunningHubComfyUI, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
		return NewComfyUI(cfg, deps)
	})
}

// Legacy poll status codes on /task/openapi/outputs.
const (
	codeSuccess = 0
	codeRunning = 804
	codeQueued  = 813
	codeFailed  = 805
)

const maxImageURLs = 10

// RHArt speaks the RH-Art edit API: image URLs plus prompt, Bearer auth.
type RHArt struct {
	providers.Base
}

func NewRHArt(cfg *domain.ProviderConfig, deps providers.Deps) *RHArt {
	return &RHArt{Base: providers.Base{Config: cfg, Egress: deps.Egress, Logger: deps.Logger}}
}

var _ providers.Adapter = (*RHArt)(nil)

func (a *RHArt) APIType() domain.APIType        { return domain.APITypeRunningHubRHArt }
func (a *RHArt) ImageForm() providers.ImageForm { return providers.ImageFormURL }

func (a *RHArt) BuildRequestHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Config.APIKey}
}

type rhartRequest struct {
	ImageURLs   []string `json:"imageUrls"`
	Resolution  string   `json:"resolution"`
	AspectRatio string   `json:"aspectRatio"`
	Prompt      string   `json:"prompt"`
}

func (a *RHArt) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	urls := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		urls = append(urls, img.URL)
	}
	if len(urls) > maxImageURLs {
		urls = urls[:maxImageURLs]
	}
	body, err := json.Marshal(rhartRequest{
		ImageURLs:   urls,
		Resolution:  req.Size,
		AspectRatio: req.AspectRatio,
		Prompt:      req.Prompt,
	})
	if err != nil {
		return nil, "", fmt.Errorf("runninghub: encode request: %w", err)
	}
	return body, "application/json", nil
}

func (a *RHArt) DrawURL() string {
	return a.Host() + a.Config.DrawEndpoint
}

type rhartCreateResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	TaskID string `json:"taskId"`
	Data   struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (a *RHArt) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
	body, contentType, err := a.BuildRequestBody(req)
	if err != nil {
		return nil, err
	}
	result := &providers.CreateResult{
		RequestParams: map[string]any{
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
	var decoded rhartCreateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	id := decoded.Data.TaskID
	if id == "" {
		id = decoded.TaskID
	}
	if id == "" {
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		return result, nil
	}
	result.Success = true
	result.TaskID = id
	return result, nil
}

// legacyEndpoint reports whether the configured result endpoint still points
// at the old outputs API, which needs the apiKey in the body.
func legacyEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "/task/openapi/outputs")
}

func (a *RHArt) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	endpoint := a.Config.ResultEndpoint
	if endpoint == "" {
		endpoint = "/openapi/v2/query"
	}
	var payload any
	if legacyEndpoint(endpoint) {
		payload = map[string]string{"taskId": taskID, "apiKey": a.Config.APIKey}
	} else {
		payload = map[string]string{"taskId": taskID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runninghub: encode poll request: %w", err)
	}
	headers := a.BuildRequestHeaders()
	headers["Content-Type"] = "application/json"
	return &providers.PollSpec{
		Method:  http.MethodPost,
		URL:     a.Host() + endpoint,
		Body:    body,
		Headers: headers,
	}, nil
}

func (a *RHArt) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	return parsePoll(statusCode, body)
}

func (a *RHArt) PollTask(ctx context.Context, taskID string) (*providers.PollResult, error) {
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

// v2Poll is the /openapi/v2/query shape.
type v2Poll struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Results      []struct {
		URL     string `json:"url"`
		FileURL string `json:"fileUrl"`
	} `json:"results"`
}

// legacyPoll is the /task/openapi/outputs shape, status carried in code.
type legacyPoll struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// parsePoll handles both RunningHub poll shapes uniformly. The v2 shape is
// recognized by the presence of a string status field.
func parsePoll(statusCode int, body []byte) (*providers.PollResult, error) {
	result := &providers.PollResult{RawResponse: string(body)}
	if statusCode != http.StatusOK {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("status %d: %s", statusCode, providers.TruncateForLog(string(body), 300))
		return result, nil
	}

	var v2 v2Poll
	if err := json.Unmarshal(body, &v2); err == nil && v2.Status != "" {
		switch strings.ToUpper(v2.Status) {
		case "SUCCESS", "COMPLETED", "SUCCEED":
			url := firstResultURL(v2)
			if url == "" {
				result.Status = providers.PollFailed
				result.ErrorMessage = "completed without result url"
				return result, nil
			}
			result.Status = providers.PollCompleted
			result.ImageURL = url
		case "FAILED", "ERROR", "CANCELLED":
			result.Status = providers.PollFailed
			result.ErrorMessage = v2.ErrorMessage
			if result.ErrorMessage == "" {
				result.ErrorMessage = "task failed"
			}
		default:
			result.Status = providers.PollProcessing
		}
		return result, nil
	}

	var legacy legacyPoll
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, fmt.Errorf("runninghub: decode poll response: %w", err)
	}
	switch legacy.Code {
	case codeSuccess:
		url := legacyOutputURL(legacy.Data)
		if url == "" {
			result.Status = providers.PollFailed
			result.ErrorMessage = "completed without output url"
			return result, nil
		}
		result.Status = providers.PollCompleted
		result.ImageURL = url
	case codeRunning:
		result.Status = providers.PollProcessing
	case codeQueued:
		result.Status = providers.PollProcessing
		result.ETA = 30 * time.Second
	case codeFailed:
		result.Status = providers.PollFailed
		result.ErrorMessage = firstNonEmpty(legacy.Msg, "task failed")
	default:
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", legacy.Code, legacy.Msg)
	}
	return result, nil
}

func firstResultURL(v2 v2Poll) string {
	for _, r := range v2.Results {
		if r.URL != "" {
			return r.URL
		}
		if r.FileURL != "" {
			return r.FileURL
		}
	}
	return ""
}

func legacyOutputURL(raw json.RawMessage) string {
	var outputs []struct {
		FileURL string `json:"fileUrl"`
		URL     string `json:"url"`
	}
	if err := json.Unmarshal(raw, &outputs); err == nil {
		for _, o := range outputs {
			if o.FileURL != "" {
				return o.FileURL
			}
			if o.URL != "" {
				return o.URL
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
