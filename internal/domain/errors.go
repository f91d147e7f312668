package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConfigMissing    = errors.New("no active provider config")
	ErrTemplateMissing  = errors.New("no template for style")
	ErrImageResolution  = errors.New("image resolution failed")
	ErrProviderRejected = errors.New("provider rejected request")
	ErrQueueFull        = errors.New("task queue full")
)
