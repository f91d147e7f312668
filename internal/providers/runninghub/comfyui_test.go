package runninghub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aigen/internal/domain"
	"aigen/internal/images"
	"aigen/internal/providers"
)

func comfyConfig() *domain.ProviderConfig {
	return &domain.ProviderConfig{
		ID:             6,
		Name:           "comfy-main",
		APIType:        domain.APITypeRunningHubComfyUI,
		APIKey:         "key-6",
		HostDomestic:   "https://www.runninghub.cn",
		DrawEndpoint:   "/task/openapi/create",
		ResultEndpoint: "/task/openapi/outputs",
	}
}

func TestWorkflowSubstitution(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflow_id":"w1","nodeInfoList":[{"nodeId":"10","fieldName":"image","fieldValue":"{{image_url}}"},{"nodeId":"20","fieldName":"text","fieldValue":"{{prompt}}"}]}`)

	body, contentType, err := a.BuildRequestBody(providers.Request{
		Prompt:       "hi",
		Images:       []images.Resolved{{Source: "https://cdn/a.jpg", URL: "https://cdn/a.jpg"}},
		BodyTemplate: template,
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("contentType = %q", contentType)
	}
	var decoded workflowRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.APIKey != "key-6" {
		t.Fatalf("apiKey = %q", decoded.APIKey)
	}
	if decoded.WorkflowID != "w1" {
		t.Fatalf("workflowId = %q", decoded.WorkflowID)
	}
	if decoded.AddMetadata || decoded.UsePersonalQueue {
		t.Fatalf("flags = %+v, want both false", decoded)
	}
	if decoded.InstanceType != "default" {
		t.Fatalf("instanceType = %q", decoded.InstanceType)
	}
	if len(decoded.NodeInfoList) != 2 {
		t.Fatalf("len(nodeInfoList) = %d", len(decoded.NodeInfoList))
	}
	if decoded.NodeInfoList[0].NodeID != "10" || decoded.NodeInfoList[0].FieldValue != "https://cdn/a.jpg" {
		t.Fatalf("node[0] = %+v", decoded.NodeInfoList[0])
	}
	if decoded.NodeInfoList[1].NodeID != "20" || decoded.NodeInfoList[1].FieldValue != "hi" {
		t.Fatalf("node[1] = %+v", decoded.NodeInfoList[1])
	}
}

func TestWorkflowImagePlaceholdersConsumeInOrder(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflowId":"w2","nodeInfoList":[{"nodeId":1,"fieldName":"image","fieldValue":"{{image_url}}"},{"nodeId":2,"fieldName":"ref","fieldValue":"{{ref_image_url}}"}]}`)

	body, _, err := a.BuildRequestBody(providers.Request{
		Prompt: "p",
		Images: []images.Resolved{
			{Source: "a", URL: "https://cdn/a.jpg"},
			{Source: "b", URL: "https://cdn/b.jpg"},
		},
		BodyTemplate: template,
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	var decoded workflowRequest
	json.Unmarshal(body, &decoded)
	if decoded.NodeInfoList[0].FieldValue != "https://cdn/a.jpg" || decoded.NodeInfoList[1].FieldValue != "https://cdn/b.jpg" {
		t.Fatalf("nodes = %+v, want urls consumed in order", decoded.NodeInfoList)
	}
	if decoded.NodeInfoList[0].NodeID != "1" {
		t.Fatalf("numeric nodeId = %q, want \"1\"", decoded.NodeInfoList[0].NodeID)
	}
}

func TestWorkflowSlotsPinImagesToPlaceholders(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflowId":"w2","nodeInfoList":[{"nodeId":1,"fieldName":"image","fieldValue":"{{image_url}}"},{"nodeId":2,"fieldName":"ref","fieldValue":"{{ref_image_url}}"}]}`)

	body, _, err := a.BuildRequestBody(providers.Request{
		Prompt: "p",
		Images: []images.Resolved{
			{Source: "a", URL: "https://cdn/a.jpg"},
			{Source: "b", URL: "https://cdn/b.jpg"},
		},
		UploadConfig: []domain.UploadSlot{
			{Slot: "ref_image", Index: 0},
			{Slot: "image", Index: 1},
		},
		BodyTemplate: template,
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	var decoded workflowRequest
	json.Unmarshal(body, &decoded)
	if decoded.NodeInfoList[0].FieldValue != "https://cdn/b.jpg" || decoded.NodeInfoList[1].FieldValue != "https://cdn/a.jpg" {
		t.Fatalf("nodes = %+v, want slot-routed urls", decoded.NodeInfoList)
	}
}

func TestWorkflowSlotOutOfRangeFails(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflowId":"w2","nodeInfoList":[{"nodeId":1,"fieldName":"image","fieldValue":"{{image_url}}"}]}`)

	_, _, err := a.BuildRequestBody(providers.Request{
		Prompt:       "p",
		Images:       []images.Resolved{{Source: "a", URL: "https://cdn/a.jpg"}},
		UploadConfig: []domain.UploadSlot{{Slot: "image", Index: 5}},
		BodyTemplate: template,
	})
	if err == nil {
		t.Fatal("expected error for slot index past the supplied images")
	}
}

func TestWorkflowLegacyInputsShape(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflowId":"w3","nodeInfoList":[{"nodeId":"7","inputs":{"text":"{{prompt}}"}}]}`)

	body, _, err := a.BuildRequestBody(providers.Request{Prompt: "hello", BodyTemplate: template})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	var decoded workflowRequest
	json.Unmarshal(body, &decoded)
	if len(decoded.NodeInfoList) != 1 {
		t.Fatalf("len(nodeInfoList) = %d", len(decoded.NodeInfoList))
	}
	n := decoded.NodeInfoList[0]
	if n.NodeID != "7" || n.FieldName != "text" || n.FieldValue != "hello" {
		t.Fatalf("node = %+v", n)
	}
}

func TestWorkflowMissingImageFails(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	template := json.RawMessage(`{"workflowId":"w4","nodeInfoList":[{"nodeId":"1","fieldName":"image","fieldValue":"{{image_url}}"}]}`)

	if _, _, err := a.BuildRequestBody(providers.Request{Prompt: "p", BodyTemplate: template}); err == nil {
		t.Fatal("expected error when workflow wants more images than supplied")
	}
}

func TestWorkflowEmptyTemplateFails(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	if _, _, err := a.BuildRequestBody(providers.Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error for empty template")
	}
}

func TestNoAuthorizationHeader(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	if _, ok := a.BuildRequestHeaders()["Authorization"]; ok {
		t.Fatal("Authorization header must be absent, apiKey travels in the body")
	}
}

func TestCreateTaskWarningStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 421,
			"msg":  "node 30 deprecated",
			"data": map[string]any{"taskId": "wf-1"},
		})
	}))
	defer srv.Close()

	cfg := comfyConfig()
	cfg.HostDomestic = srv.URL
	a := NewComfyUI(cfg, providers.Deps{Logger: zerolog.Nop()})
	a.HTTPClient = srv.Client()

	res, err := a.CreateTask(context.Background(), providers.Request{
		Prompt:       "p",
		BodyTemplate: json.RawMessage(`{"workflowId":"w1","nodeInfoList":[]}`),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !res.Success || res.TaskID != "wf-1" {
		t.Fatalf("result = %+v, want success with task wf-1", res)
	}
	if res.Warning == "" {
		t.Fatal("expected warning to be recorded")
	}
}

func TestComfyPollCarriesAPIKey(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})

	spec, err := a.BuildPollRequest("wf-1")
	if err != nil {
		t.Fatalf("BuildPollRequest: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(spec.Body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["apiKey"] != "key-6" || decoded["taskId"] != "wf-1" {
		t.Fatalf("body = %v", decoded)
	}
	if _, ok := spec.Headers["Authorization"]; ok {
		t.Fatal("poll must not carry an Authorization header")
	}
}

func TestComfyConnectionAckWindow(t *testing.T) {
	a := NewComfyUI(comfyConfig(), providers.Deps{})
	if got := a.ConnectionAckWindow(); got != 10*time.Second {
		t.Fatalf("ConnectionAckWindow = %v, want 10s", got)
	}
}
