package domain

import (
	"regexp"
	"strings"
	"time"
)

// TaskStatus enumerates generation task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// MaxRetryCount caps cross-provider failover attempts per task.
const MaxRetryCount = 3

// ProcessingLog is the structured JSON object persisted alongside a task. The
// admin UI renders RequestParams, so it always carries image URLs even when
// the wire format used base64.
type ProcessingLog struct {
	APIConfigID                    int64          `json:"api_config_id,omitempty"`
	APIConfigName                  string         `json:"api_config_name,omitempty"`
	ModelName                      string         `json:"model_name,omitempty"`
	Prompt                         string         `json:"prompt,omitempty"`
	UploadedImages                 []string       `json:"uploaded_images,omitempty"`
	RequestParams                  map[string]any `json:"request_params,omitempty"`
	APITaskID                      string         `json:"api_task_id,omitempty"`
	OriginalResponse               string         `json:"original_response,omitempty"`
	RetriedAPIConfigIDs            []int64        `json:"retried_api_config_ids,omitempty"`
	ShouldNotRetry                 bool           `json:"should_not_retry,omitempty"`
	ConnectionClosedButRequestSent bool           `json:"connection_closed_but_request_sent,omitempty"`
	WarningMessage                 string         `json:"warning_message,omitempty"`
}

// HasRetried reports whether the given provider config id was already tried.
func (l *ProcessingLog) HasRetried(configID int64) bool {
	for _, id := range l.RetriedAPIConfigIDs {
		if id == configID {
			return true
		}
	}
	return false
}

// Task is one generation attempt's lifecycle. Failover rewrites the row in
// place; history accumulates in Notes and ProcessingLog.RetriedAPIConfigIDs.
type Task struct {
	ID              int64
	OrderID         int64
	OrderNumber     string
	OrderImageID    int64
	StyleImageID    int64
	APIConfigID     int64
	InputImagePath  string
	OutputImagePath string
	ThumbnailPath   string
	Status          TaskStatus
	// ProviderTaskID is persisted in the legacy comfyui_prompt_id column. The
	// Notes token is updated atomically with retry records and wins on
	// disagreement; ProviderTaskID may lag after a failover rewrite.
	ProviderTaskID          string
	Notes                   string
	ProcessingLog           ProcessingLog
	ErrorMessage            string
	RetryCount              int
	IsTest                  bool
	CreatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	EstimatedCompletionTime *time.Time
}

// TaskIDToken prefixes the provider task id carried inside free-text notes.
// Notes are also edited by the admin UI, so the token must survive rewrites
// of the surrounding text.
const TaskIDToken = "T8_API_TASK_ID:"

var taskIDTokenRe = regexp.MustCompile(`T8_API_TASK_ID:([^\s]+)`)

// TaskIDFromNotes extracts the provider task id token from notes, or "".
func TaskIDFromNotes(notes string) string {
	m := taskIDTokenRe.FindStringSubmatch(notes)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// SetNotesTaskID patches the task-id token inside notes without disturbing
// the retry-history lines around it. A missing token is appended on its own
// line.
func SetNotesTaskID(notes, taskID string) string {
	token := TaskIDToken + taskID
	if taskIDTokenRe.MatchString(notes) {
		return taskIDTokenRe.ReplaceAllString(notes, token)
	}
	if strings.TrimSpace(notes) == "" {
		return token
	}
	return strings.TrimRight(notes, "\n") + "\n" + token
}

// PollTaskID resolves the provider task id to poll with. Priority is the
// notes token, then ProviderTaskID, then the processing log copy; but a
// ProviderTaskID that looks newer than the notes token wins, covering the
// reverse lag after a submit-path rewrite.
func (t *Task) PollTaskID() string {
	fromNotes := TaskIDFromNotes(t.Notes)
	direct := strings.TrimSpace(t.ProviderTaskID)
	if fromNotes != "" {
		if direct != "" && direct != fromNotes && looksNewer(direct, fromNotes) {
			return direct
		}
		return fromNotes
	}
	if direct != "" {
		return direct
	}
	return strings.TrimSpace(t.ProcessingLog.APITaskID)
}

func looksNewer(candidate, current string) bool {
	if len(candidate) > len(current) {
		return true
	}
	return strings.HasPrefix(candidate, "task_")
}

// AgeLimit returns how long a task of this kind may stay pending/processing
// before the poll loop force-fails it. Sync tasks get the shorter window; the
// create call should have returned long before it elapses.
func (t *Task) AgeLimit(isSync bool) time.Duration {
	if isSync {
		return 10 * time.Minute
	}
	return 20 * time.Minute
}

// Active reports whether the task still needs polling attention.
func (t *Task) Active() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusProcessing
}
