// Package gemini implements the gemini-native adapter: Google's generative
// schema with images inlined as base64 parts. Most configs of this type are
// synchronous, the generated image comes back in the response body.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"aigen/internal/domain"
	"aigen/internal/httpx"
	"aigen/internal/providers"
)

func Register(r *providers.Registry) {
	r.Register(domain.APITypeGeminiNative, func(cfg *domain.ProviderConfig, deps providers.Deps) providers.Adapter {
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

func (a *Adapter) APIType() domain.APIType        { return domain.APITypeGeminiNative }
func (a *Adapter) ImageForm() providers.ImageForm { return providers.ImageFormBytes }

func (a *Adapter) BuildRequestHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Config.APIKey}
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

// responsePart tolerates both snake_case and camelCase field names, which
// differ across Google-compatible resellers.
type responsePart struct {
	Text            string      `json:"text"`
	InlineData      *inlineData `json:"inline_data"`
	InlineDataCamel *struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []responsePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	parts := make([]part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mime := img.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, part{InlineData: &inlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	if req.Prompt != "" {
		parts = append(parts, part{Text: req.Prompt})
	}
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: parts}}})
	if err != nil {
		return nil, "", fmt.Errorf("gemini: encode request: %w", err)
	}
	return body, "application/json", nil
}

func (a *Adapter) DrawURL() string {
	model := strings.TrimSpace(a.Config.ModelName)
	if httpx.IsT8StarHost(httpx.Hostname(a.Host())) {
		return a.Host() + "/v1/models/" + model + ":generateContent"
	}
	endpoint := strings.ReplaceAll(a.Config.DrawEndpoint, "{model}", model)
	return a.Host() + endpoint
}

// CreateTask performs the generation call. The image URLs never appear on
// the wire (only base64 does), so RequestParams records the original
// references for the processing log instead of the payload. Async reseller
// configs answer with a queued envelope carrying a task id; sync configs
// return the image inline.
func (a *Adapter) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
	body, contentType, err := a.BuildRequestBody(req)
	if err != nil {
		return nil, err
	}
	result := &providers.CreateResult{
		RequestParams: map[string]any{
			"model":       a.Config.ModelName,
			"prompt":      req.Prompt,
			"image_urls":  providers.Sources(req.Images),
			"image_count": len(req.Images),
		},
	}
	status, raw, err := a.Do(ctx, http.MethodPost, a.DrawURL(), contentType, body, a.BuildRequestHeaders())
	if err != nil {
		return nil, err
	}
	result.RawResponse = providers.TruncateForLog(string(raw), 2000)
	if status != http.StatusOK {
		result.ErrorMessage = fmt.Sprintf("status %d: %s", status, providers.TruncateForLog(string(raw), 300))
		return result, nil
	}
	if !a.Config.IsSyncAPI {
		if id := asyncTaskID(raw); id != "" {
			result.Success = true
			result.TaskID = id
			return result, nil
		}
	}
	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	if decoded.Error.Message != "" {
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Error.Code, decoded.Error.Message)
		return result, nil
	}
	for _, cand := range decoded.Candidates {
		for _, p := range cand.Content.Parts {
			mime, data64 := p.inline()
			if data64 == "" {
				continue
			}
			decodedData, err := base64.StdEncoding.DecodeString(data64)
			if err != nil {
				result.ErrorMessage = fmt.Sprintf("decode inline image: %v", err)
				return result, nil
			}
			result.Success = true
			result.ImageData = decodedData
			result.MIME = mime
			return result, nil
		}
	}
	result.ErrorMessage = "response carried no inline image"
	return result, nil
}

// asyncTaskID pulls the task id out of the queued-response envelope. The id
// field name and nesting vary across Google-compatible resellers.
func asyncTaskID(raw []byte) string {
	var decoded struct {
		Data struct {
			TaskID string `json:"taskId"`
			ID     string `json:"id"`
		} `json:"data"`
		TaskID string `json:"taskId"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	for _, id := range []string{decoded.Data.TaskID, decoded.Data.ID, decoded.TaskID, decoded.ID} {
		if strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func (p responsePart) inline() (mime, data string) {
	if p.InlineData != nil {
		return p.InlineData.MIMEType, p.InlineData.Data
	}
	if p.InlineDataCamel != nil {
		return p.InlineDataCamel.MIMEType, p.InlineDataCamel.Data
	}
	return "", ""
}

// Async resellers of this api_type are polled with the generic id form.
func (a *Adapter) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	if a.Config.IsSyncAPI {
		return nil, fmt.Errorf("gemini: sync config %q does not poll", a.Config.Name)
	}
	body, err := json.Marshal(struct {
		ID string `json:"Id"`
	}{ID: taskID})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode poll request: %w", err)
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

func (a *Adapter) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	result := &providers.PollResult{RawResponse: string(body)}
	if statusCode != http.StatusOK {
		result.Status = providers.PollFailed
		result.ErrorMessage = fmt.Sprintf("status %d: %s", statusCode, providers.TruncateForLog(string(body), 300))
		return result, nil
	}
	var decoded struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Status string `json:"status"`
			URL    string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("gemini: decode poll response: %w", err)
	}
	switch strings.ToLower(decoded.Data.Status) {
	case "succeeded", "success", "completed", "done":
		result.Status = providers.PollCompleted
		result.ImageURL = decoded.Data.URL
	case "failed", "error":
		result.Status = providers.PollFailed
		result.ErrorMessage = decoded.Msg
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
