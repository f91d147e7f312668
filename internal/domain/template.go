package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// UploadSlot routes one caller image into a named provider slot.
type UploadSlot struct {
	Slot  string `json:"slot"`
	Index int    `json:"index"`
}

// Template describes how to call a provider for a given style. Exactly one of
// StyleImageID / StyleCategoryID is set; image-level templates win over
// category-level ones during resolution.
type Template struct {
	ID                  int64
	StyleImageID        int64
	StyleCategoryID     int64
	APIConfigID         int64 // 0 falls back to the default active config
	ModelName           string
	DefaultPrompt       string
	PromptsJSON         []string
	DefaultSize         string
	DefaultAspectRatio  string
	UploadConfig        []UploadSlot
	RequestBodyTemplate json.RawMessage
	EnhancePrompt       bool
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BatchPrompts returns the non-blank entries of PromptsJSON. When the result
// is non-empty, submit emits one task per prompt.
func (t *Template) BatchPrompts() []string {
	out := make([]string, 0, len(t.PromptsJSON))
	for _, p := range t.PromptsJSON {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
