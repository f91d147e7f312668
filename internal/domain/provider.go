package domain

import (
	"strings"
	"time"
)

// APIType enumerates the supported provider protocols.
type APIType string

const (
	APITypeNanoBanana        APIType = "nano-banana"
	APITypeNanoBananaEdits   APIType = "nano-banana-edits"
	APITypeGeminiNative      APIType = "gemini-native"
	APITypeVeoVideo          APIType = "veo-video"
	APITypeRunningHubRHArt   APIType = "runninghub-rhart-edit"
	APITypeRunningHubComfyUI APIType = "runninghub-comfyui-workflow"
)

// ProxyPolicy controls how outbound calls to a provider host are routed.
type ProxyPolicy string

const (
	ProxyPolicyAuto     ProxyPolicy = "auto"
	ProxyPolicyForceOff ProxyPolicy = "force_off"
	ProxyPolicyForceOn  ProxyPolicy = "force_on"
)

// ProviderConfig is a generation vendor credential and routing record. It is
// managed by admin tooling and read-only from the orchestrator's perspective.
type ProviderConfig struct {
	ID                 int64
	Name               string
	APIType            APIType
	APIKey             string
	HostDomestic       string
	HostOverseas       string
	DrawEndpoint       string
	ResultEndpoint     string
	FileUploadEndpoint string
	ModelName          string
	IsSyncAPI          bool
	IsActive           bool
	IsDefault          bool
	EnableRetry        bool
	Priority           int
	ProxyPolicy        ProxyPolicy
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Host returns the base URL to call, preferring the domestic host.
func (c *ProviderConfig) Host() string {
	if h := strings.TrimSpace(c.HostDomestic); h != "" {
		return strings.TrimRight(h, "/")
	}
	return strings.TrimRight(strings.TrimSpace(c.HostOverseas), "/")
}

// RetryExcluded reports whether this config is barred from cross-provider
// failover. SSL/UNIR-named tiers bill on submit regardless of outcome; do not
// remove this check without confirming with operators.
func (c *ProviderConfig) RetryExcluded() bool {
	name := strings.ToUpper(c.Name)
	return strings.Contains(name, "SSL") || strings.Contains(name, "UNIR")
}
