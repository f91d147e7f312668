package providers

import (
	"context"
	"encoding/json"
	"time"

	"aigen/internal/domain"
	"aigen/internal/images"
)

// Request is the normalized input handed to any adapter. Images arrive
// already resolved into the form the adapter declared it needs. UploadConfig
// routes images into named provider slots; adapters without named slots
// ignore it.
type Request struct {
	Prompt       string
	Model        string
	AspectRatio  string
	Size         string
	Images       []images.Resolved
	UploadConfig []domain.UploadSlot
	BodyTemplate json.RawMessage
}

// SlotIndex returns the caller image index routed to the named slot, or -1
// when no slot entry names it.
func SlotIndex(slots []domain.UploadSlot, name string) int {
	for _, s := range slots {
		if s.Slot == name {
			return s.Index
		}
	}
	return -1
}

// SlotName returns the slot name configured for the image at index i, or "".
func SlotName(slots []domain.UploadSlot, i int) string {
	for _, s := range slots {
		if s.Index == i {
			return s.Slot
		}
	}
	return ""
}

// CreateResult reports the outcome of a task submission. Sync adapters fill
// ImageURL or ImageData directly; async adapters fill TaskID. Warning carries
// provider messages that still came with a usable task id.
type CreateResult struct {
	Success       bool
	TaskID        string
	ImageURL      string
	ImageData     []byte
	MIME          string
	Warning       string
	ErrorMessage  string
	RawResponse   string
	RequestParams map[string]any
}

// PollStatus is the normalized view of a provider's task state.
type PollStatus string

const (
	PollProcessing PollStatus = "processing"
	PollCompleted  PollStatus = "completed"
	PollFailed     PollStatus = "failed"
)

// PollResult is an adapter's interpretation of one status query.
type PollResult struct {
	Status       PollStatus
	ImageURL     string
	ErrorMessage string
	ETA          time.Duration
	RawResponse  string
}

// PollSpec describes the HTTP request an adapter uses to query task status.
type PollSpec struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// ImageForm tells the dispatcher how to resolve caller images before the
// adapter builds its request body.
type ImageForm int

const (
	// ImageFormURL means the adapter sends image URLs and local files must
	// be uploaded to the provider first.
	ImageFormURL ImageForm = iota
	// ImageFormBytes means the adapter embeds raw bytes (base64 or
	// multipart) and local files are read from disk.
	ImageFormBytes
)

// Adapter is the contract every provider integration implements. Building
// headers, body, and poll requests is separated from performing the calls so
// the request shapes stay testable without a live endpoint.
type Adapter interface {
	APIType() domain.APIType
	ImageForm() ImageForm
	Sync() bool

	BuildRequestHeaders() map[string]string
	BuildRequestBody(req Request) (body []byte, contentType string, err error)
	DrawURL() string
	CreateTask(ctx context.Context, req Request) (*CreateResult, error)

	BuildPollRequest(taskID string) (*PollSpec, error)
	ParsePollResponse(statusCode int, body []byte) (*PollResult, error)
	PollTask(ctx context.Context, taskID string) (*PollResult, error)

	// UploadFunc returns the provider's file-upload hook, or nil when the
	// config has no file upload endpoint.
	UploadFunc() images.UploadFunc

	// ConnectionAckWindow is how long after send a transport error is
	// still treated as "request never reached the provider".
	ConnectionAckWindow() time.Duration
}
