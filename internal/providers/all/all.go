// Package all wires every adapter family into one registry so the entry
// points do not each repeat the registration list.
package all

import (
	"aigen/internal/providers"
	"aigen/internal/providers/gemini"
	"aigen/internal/providers/nanobanana"
	"aigen/internal/providers/runninghub"
	"aigen/internal/providers/veo"
)

// NewRegistry returns a registry with every known api_type installed.
func NewRegistry(deps providers.Deps) *providers.Registry {
	r := providers.NewRegistry(deps)
	nanobanana.Register(r)
	gemini.Register(r)
	veo.Register(r)
	runninghub.Register(r)
	return r
}
