package runninghub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aigen/internal/domain"
	"aigen/internal/providers"
)

// Placeholders recognized inside nodeInfoList field values.
const (
	placeholderImageURL    = "{{image_url}}"
	placeholderRefImageURL = "{{ref_image_url}}"
	placeholderPrompt      = "{{prompt}}"
)

// slotForPlaceholder maps an image placeholder to its upload_config slot name.
func slotForPlaceholder(value string) string {
	if value == placeholderRefImageURL {
		return "ref_image"
	}
	return "image"
}

// ComfyUI submits a workflow graph. Auth travels in the body as apiKey; the
// Authorization header must stay absent.
type ComfyUI struct {
	providers.Base
}

func NewComfyUI(cfg *domain.ProviderConfig, deps providers.Deps) *ComfyUI {
	return &ComfyUI{Base: providers.Base{Config: cfg, Egress: deps.Egress, Logger: deps.Logger}}
}

var _ providers.Adapter = (*ComfyUI)(nil)

func (a *ComfyUI) APIType() domain.APIType        { return domain.APITypeRunningHubComfyUI }
func (a *ComfyUI) ImageForm() providers.ImageForm { return providers.ImageFormURL }

// ConnectionAckWindow is longer here: workflow submissions queue server-side
// before the provider acknowledges them.
func (a *ComfyUI) ConnectionAckWindow() time.Duration {
	return 10 * time.Second
}

func (a *ComfyUI) BuildRequestHeaders() map[string]string {
	return map[string]string{}
}

// NodeInfo is the normalized per-node override entry. FieldValue stays
// untyped because workflows mix strings with numeric inputs.
type NodeInfo struct {
	NodeID     string `json:"nodeId"`
	FieldName  string `json:"fieldName"`
	FieldValue any    `json:"fieldValue"`
}

type workflowRequest struct {
	APIKey           string     `json:"apiKey"`
	WorkflowID       string     `json:"workflowId"`
	NodeInfoList     []NodeInfo `json:"nodeInfoList"`
	AddMetadata      bool       `json:"addMetadata"`
	InstanceType     string     `json:"instanceType"`
	UsePersonalQueue bool       `json:"usePersonalQueue"`
}

// bodyTemplate is the template-stored workflow definition. Node entries may
// use the current {nodeId, fieldName, fieldValue} shape or the old
// {nodeId, inputs:{k:v}} shape.
type bodyTemplate struct {
	WorkflowID      string          `json:"workflowId"`
	WorkflowIDSnake string          `json:"workflow_id"`
	InstanceType    string          `json:"instanceType"`
	NodeInfoList    json.RawMessage `json:"nodeInfoList"`
}

// flexID accepts node ids written as either JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type rawNode struct {
	NodeID     flexID         `json:"nodeId"`
	FieldName  string         `json:"fieldName"`
	FieldValue any            `json:"fieldValue"`
	Inputs     map[string]any `json:"inputs"`
}

func (a *ComfyUI) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	if len(req.BodyTemplate) == 0 {
		return nil, "", fmt.Errorf("runninghub: %w: workflow template body is empty", domain.ErrTemplateMissing)
	}
	var tpl bodyTemplate
	if err := json.Unmarshal(req.BodyTemplate, &tpl); err != nil {
		return nil, "", fmt.Errorf("runninghub: decode workflow template: %w", err)
	}
	workflowID := tpl.WorkflowID
	if workflowID == "" {
		workflowID = tpl.WorkflowIDSnake
	}
	if workflowID == "" {
		return nil, "", fmt.Errorf("runninghub: %w: workflow template has no workflowId", domain.ErrTemplateMissing)
	}
	nodes, err := normalizeNodes(tpl.NodeInfoList)
	if err != nil {
		return nil, "", err
	}

	urls := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		urls = append(urls, img.URL)
	}
	nextImage := 0
	for i := range nodes {
		value, ok := nodes[i].FieldValue.(string)
		if !ok {
			continue
		}
		switch value {
		case placeholderImageURL, placeholderRefImageURL:
			// A slot entry pins an image to its placeholder; unpinned
			// placeholders consume the supplied images in order.
			if idx := providers.SlotIndex(req.UploadConfig, slotForPlaceholder(value)); idx >= 0 {
				if idx >= len(urls) {
					return nil, "", fmt.Errorf("runninghub: slot %q routes image #%d but only %d supplied", slotForPlaceholder(value), idx+1, len(urls))
				}
				nodes[i].FieldValue = urls[idx]
				continue
			}
			if nextImage >= len(urls) {
				return nil, "", fmt.Errorf("runninghub: workflow wants image #%d but only %d supplied", nextImage+1, len(urls))
			}
			nodes[i].FieldValue = urls[nextImage]
			nextImage++
		case placeholderPrompt:
			nodes[i].FieldValue = req.Prompt
		}
	}

	instanceType := tpl.InstanceType
	if instanceType == "" {
		instanceType = "default"
	}
	body, err := json.Marshal(workflowRequest{
		APIKey:           a.Config.APIKey,
		WorkflowID:       workflowID,
		NodeInfoList:     nodes,
		AddMetadata:      false,
		InstanceType:     instanceType,
		UsePersonalQueue: false,
	})
	if err != nil {
		return nil, "", fmt.Errorf("runninghub: encode workflow request: %w", err)
	}
	return body, "application/json", nil
}

// normalizeNodes flattens both accepted node shapes into NodeInfo entries.
// An inputs map becomes one entry per key.
func normalizeNodes(raw json.RawMessage) ([]NodeInfo, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []rawNode
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("runninghub: decode nodeInfoList: %w", err)
	}
	out := make([]NodeInfo, 0, len(entries))
	for _, e := range entries {
		if e.FieldName != "" {
			out = append(out, NodeInfo{NodeID: string(e.NodeID), FieldName: e.FieldName, FieldValue: e.FieldValue})
			continue
		}
		for k, v := range e.Inputs {
			out = append(out, NodeInfo{NodeID: string(e.NodeID), FieldName: k, FieldValue: v})
		}
	}
	return out, nil
}

func (a *ComfyUI) DrawURL() string {
	return a.Host() + a.Config.DrawEndpoint
}

type workflowCreateResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (a *ComfyUI) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
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
	var decoded workflowCreateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.ErrorMessage = fmt.Sprintf("decode response: %v", err)
		return result, nil
	}
	if decoded.Data.TaskID == "" {
		result.ErrorMessage = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		return result, nil
	}
	result.Success = true
	result.TaskID = decoded.Data.TaskID
	// Validation warnings that still return a task id do not block the run.
	if decoded.Code != 0 {
		result.Warning = fmt.Sprintf("provider code %d: %s", decoded.Code, decoded.Msg)
		a.Logger.Warn().
			Str("provider", a.Config.Name).
			Str("task_id", decoded.Data.TaskID).
			Int("code", decoded.Code).
			Str("msg", decoded.Msg).
			Msg("runninghub: workflow accepted with warning")
	}
	return result, nil
}

func (a *ComfyUI) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	endpoint := a.Config.ResultEndpoint
	if endpoint == "" {
		endpoint = "/task/openapi/outputs"
	}
	body, err := json.Marshal(map[string]string{"taskId": taskID, "apiKey": a.Config.APIKey})
	if err != nil {
		return nil, fmt.Errorf("runninghub: encode poll request: %w", err)
	}
	return &providers.PollSpec{
		Method:  http.MethodPost,
		URL:     a.Host() + endpoint,
		Body:    body,
		Headers: map[string]string{"Content-Type": "application/json"},
	}, nil
}

func (a *ComfyUI) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	return parsePoll(statusCode, body)
}

func (a *ComfyUI) PollTask(ctx context.Context, taskID string) (*providers.PollResult, error) {
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
