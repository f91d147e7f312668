package nanobanana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"

	"aigen/internal/domain"
	"aigen/internal/httpx"
	"aigen/internal/providers"
)

// t8star hosts moved the edits API to fixed paths; configs migrated from the
// old reseller still carry stale endpoints, so the adapter overrides both the
// draw and poll paths whenever the host matches.
const (
	t8DrawEndpoint = "/v1/images/edits"
	t8PollEndpoint = "/v1/images/tasks/"
)

// EditsAdapter speaks the multipart edits protocol, streaming image bytes as
// form files.
type EditsAdapter struct {
	providers.Base
}

func NewEditsAdapter(cfg *domain.ProviderConfig, deps providers.Deps) *EditsAdapter {
	return &EditsAdapter{Base: providers.Base{Config: cfg, Egress: deps.Egress, Logger: deps.Logger}}
}

var _ providers.Adapter = (*EditsAdapter)(nil)

func (a *EditsAdapter) APIType() domain.APIType        { return domain.APITypeNanoBananaEdits }
func (a *EditsAdapter) ImageForm() providers.ImageForm { return providers.ImageFormBytes }

func (a *EditsAdapter) t8star() bool {
	return httpx.IsT8StarHost(httpx.Hostname(a.Host()))
}

func (a *EditsAdapter) BuildRequestHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Config.APIKey}
}

func (a *EditsAdapter) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(a.Config.ModelName)
	}
	if model != "" {
		if err := w.WriteField("model", model); err != nil {
			return nil, "", fmt.Errorf("nanobanana: write model field: %w", err)
		}
	}
	if err := w.WriteField("prompt", req.Prompt); err != nil {
		return nil, "", fmt.Errorf("nanobanana: write prompt field: %w", err)
	}
	if req.Size != "" {
		if err := w.WriteField("size", req.Size); err != nil {
			return nil, "", fmt.Errorf("nanobanana: write size field: %w", err)
		}
	}
	defaultField := "image"
	if len(req.Images) > 1 {
		defaultField = "image[]"
	}
	for i, img := range req.Images {
		field := providers.SlotName(req.UploadConfig, i)
		if field == "" {
			field = defaultField
		}
		name := filepath.Base(img.Source)
		if name == "" || name == "." {
			name = fmt.Sprintf("image_%d", i)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		if img.MIME != "" {
			h.Set("Content-Type", img.MIME)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("nanobanana: multipart part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("nanobanana: multipart write: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("nanobanana: multipart close: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (a *EditsAdapter) DrawURL() string {
	if a.t8star() {
		return a.Host() + t8DrawEndpoint + "?async=true"
	}
	return a.Host() + a.Config.DrawEndpoint
}

type editsCreateResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
	Data json.RawMessage `json:"data"`
}

func (a *EditsAdapter) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
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
	var decoded editsCreateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	if id := firstNonEmpty(decoded.TaskID, decoded.ID, dataTaskID(decoded.Data)); id != "" {
		result.Success = true
		result.TaskID = id
		return result, nil
	}
	// Some resellers answer inline when the edit finishes fast.
	if url := dataImageURL(decoded.Data); url != "" {
		result.Success = true
		result.ImageURL = url
		return result, nil
	}
	result.ErrorMessage = firstNonEmpty(decoded.Error.Message, "response carried neither task id nor image")
	return result, nil
}

func (a *EditsAdapter) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	if a.t8star() {
		return &providers.PollSpec{
			Method:  http.MethodGet,
			URL:     a.Host() + t8PollEndpoint + taskID,
			Headers: a.BuildRequestHeaders(),
		}, nil
	}
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

type editsPollResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
	Data json.RawMessage `json:"data"`
}

func (a *EditsAdapter) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	result := &providers.PollResult{RawResponse: string(body)}
	if statusCode != http.StatusOK {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("status %d: %s", statusCode, providers.TruncateForLog(string(body), 300))
		return result, nil
	}
	var decoded editsPollResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("nanobanana: decode poll response: %w", err)
	}
	url := firstNonEmpty(decoded.URL, dataImageURL(decoded.Data))
	switch strings.ToLower(decoded.Status) {
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
		result.ErrorMessage = firstNonEmpty(decoded.Error.Message, "task failed")
	default:
		if url != "" {
			result.Status = providers.PollCompleted
			result.ImageURL = url
			return result, nil
		}
		result.Status = providers.PollProcessing
	}
	return result, nil
}

func (a *EditsAdapter) PollTask(ctx context.Context, taskID string) (*providers.PollResult, error) {
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

// dataTaskID digs a task id out of the polymorphic data field, which may be
// an object or an array depending on the reseller.
func dataTaskID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.TaskID, obj.ID)
	}
	return ""
}

func dataImageURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.URL != "" {
		return obj.URL
	}
	var arr []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return arr[0].URL
	}
	return ""
}
