package nanobanana

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aigen/internal/domain"
	"aigen/internal/images"
	"aigen/internal/providers"
)

func editsConfig() *domain.ProviderConfig {
	return &domain.ProviderConfig{
		ID:             2,
		Name:           "edits-main",
		APIType:        domain.APITypeNanoBananaEdits,
		APIKey:         "key-2",
		HostDomestic:   "https://other.example",
		DrawEndpoint:   "/custom/edits",
		ResultEndpoint: "/custom/result",
		ModelName:      "nano-banana-edit",
	}
}

func TestT8StarEndpointRewrite(t *testing.T) {
	cfg := editsConfig()
	cfg.HostDomestic = "https://ai.t8star.cn"
	cfg.DrawEndpoint = "/stale/path"
	a := NewEditsAdapter(cfg, providers.Deps{})

	if got := a.DrawURL(); got != "https://ai.t8star.cn/v1/images/edits?async=true" {
		t.Fatalf("DrawURL = %q", got)
	}
	spec, err := a.BuildPollRequest("abc")
	if err != nil {
		t.Fatalf("BuildPollRequest: %v", err)
	}
	if spec.Method != http.MethodGet {
		t.Fatalf("method = %q, want GET", spec.Method)
	}
	if spec.URL != "https://ai.t8star.cn/v1/images/tasks/abc" {
		t.Fatalf("url = %q", spec.URL)
	}
}

func TestNonT8StarKeepsConfiguredEndpoints(t *testing.T) {
	a := NewEditsAdapter(editsConfig(), providers.Deps{})

	if got := a.DrawURL(); got != "https://other.example/custom/edits" {
		t.Fatalf("DrawURL = %q", got)
	}
	spec, err := a.BuildPollRequest("abc")
	if err != nil {
		t.Fatalf("BuildPollRequest: %v", err)
	}
	if spec.Method != http.MethodPost {
		t.Fatalf("method = %q, want POST", spec.Method)
	}
	if string(spec.Body) != `{"Id":"abc"}` {
		t.Fatalf("body = %s", spec.Body)
	}
}

func TestBuildMultipartBody(t *testing.T) {
	a := NewEditsAdapter(editsConfig(), providers.Deps{})

	jpeg := []byte{0xff, 0xd8, 0xff, 0x01}
	body, contentType, err := a.BuildRequestBody(providers.Request{
		Prompt: "remove background",
		Images: []images.Resolved{{Source: "/uploads/in.jpg", Data: jpeg, MIME: "image/jpeg"}},
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("contentType = %q (%v)", contentType, err)
	}
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	fields := map[string][]byte{}
	var imageField string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		data, _ := io.ReadAll(part)
		if part.FileName() != "" {
			imageField = part.FormName()
			fields["__file"] = data
			continue
		}
		fields[part.FormName()] = data
	}
	if string(fields["prompt"]) != "remove background" {
		t.Fatalf("prompt field = %q", fields["prompt"])
	}
	if string(fields["model"]) != "nano-banana-edit" {
		t.Fatalf("model field = %q", fields["model"])
	}
	if imageField != "image" {
		t.Fatalf("image field name = %q, want image", imageField)
	}
	if !bytes.Equal(fields["__file"], jpeg) {
		t.Fatal("image bytes not streamed intact")
	}
}

func TestMultiImageUsesArrayField(t *testing.T) {
	a := NewEditsAdapter(editsConfig(), providers.Deps{})

	body, contentType, err := a.BuildRequestBody(providers.Request{
		Prompt: "merge",
		Images: []images.Resolved{
			{Source: "a.jpg", Data: []byte{1}},
			{Source: "b.jpg", Data: []byte{2}},
		},
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	_, params, _ := mime.ParseMediaType(contentType)
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var fileFields []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if part.FileName() != "" {
			fileFields = append(fileFields, part.FormName())
		}
	}
	if len(fileFields) != 2 || fileFields[0] != "image[]" || fileFields[1] != "image[]" {
		t.Fatalf("file fields = %v, want two image[] entries", fileFields)
	}
}

func TestMultipartSlotsNameFields(t *testing.T) {
	a := NewEditsAdapter(editsConfig(), providers.Deps{})

	body, contentType, err := a.BuildRequestBody(providers.Request{
		Prompt: "swap background",
		Images: []images.Resolved{
			{Source: "subject.jpg", Data: []byte{1}},
			{Source: "mask.png", Data: []byte{2}},
		},
		UploadConfig: []domain.UploadSlot{{Slot: "mask", Index: 1}},
	})
	if err != nil {
		t.Fatalf("BuildRequestBody: %v", err)
	}
	_, params, _ := mime.ParseMediaType(contentType)
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var fileFields []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if part.FileName() != "" {
			fileFields = append(fileFields, part.FormName())
		}
	}
	if len(fileFields) != 2 || fileFields[0] != "image[]" || fileFields[1] != "mask" {
		t.Fatalf("file fields = %v, want [image[] mask]", fileFields)
	}
}

func TestCreateTaskInlineResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"url": "https://cdn/done.png"}}})
	}))
	defer srv.Close()

	cfg := editsConfig()
	cfg.HostDomestic = srv.URL
	a := NewEditsAdapter(cfg, providers.Deps{})
	a.HTTPClient = srv.Client()

	res, err := a.CreateTask(context.Background(), providers.Request{
		Prompt: "edit",
		Images: []images.Resolved{{Source: "a.jpg", Data: []byte{1}}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !res.Success || res.ImageURL != "https://cdn/done.png" {
		t.Fatalf("result = %+v, want inline url", res)
	}
}

func TestCreateTaskAsyncResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": "edit-9"})
	}))
	defer srv.Close()

	cfg := editsConfig()
	cfg.HostDomestic = srv.URL
	a := NewEditsAdapter(cfg, providers.Deps{})
	a.HTTPClient = srv.Client()

	res, err := a.CreateTask(context.Background(), providers.Request{Prompt: "edit"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !res.Success || res.TaskID != "edit-9" {
		t.Fatalf("result = %+v, want task edit-9", res)
	}
}

func TestEditsParsePollResponse(t *testing.T) {
	a := NewEditsAdapter(editsConfig(), providers.Deps{})

	res, err := a.ParsePollResponse(200, []byte(`{"status":"completed","url":"https://cdn/x.png"}`))
	if err != nil {
		t.Fatalf("ParsePollResponse: %v", err)
	}
	if res.Status != providers.PollCompleted || res.ImageURL != "https://cdn/x.png" {
		t.Fatalf("result = %+v", res)
	}

	res, err = a.ParsePollResponse(200, []byte(`{"status":"processing"}`))
	if err != nil {
		t.Fatalf("ParsePollResponse: %v", err)
	}
	if res.Status != providers.PollProcessing {
		t.Fatalf("status = %q, want processing", res.Status)
	}

	res, err = a.ParsePollResponse(200, []byte(`{"data":{"url":"https://cdn/y.png"}}`))
	if err != nil {
		t.Fatalf("ParsePollResponse: %v", err)
	}
	if res.Status != providers.PollCompleted || res.ImageURL != "https://cdn/y.png" {
		t.Fatalf("result = %+v, want completed via data url", res)
	}
}
