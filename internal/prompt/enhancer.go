// Package prompt enriches template prompts before dispatch. Templates opt in
// per row; the enhancer never rewrites a caller-supplied prompt silently.
package prompt

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type EnhanceRequest struct {
	Prompt    string
	StyleName string
	Locale    string
}

type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (string, error)
}

var supportedLocales = language.NewMatcher([]language.Tag{
	language.English,
	language.SimplifiedChinese,
})

const (
	qualitySuffixEN = "high detail, professional studio lighting, commercial photography quality"
	qualitySuffixZH = "高清细节，专业摄影棚灯光，商业摄影质感"
)

// StaticEnhancer appends a locale-appropriate quality clause and prefixes
// the titled style name when the prompt does not already mention it.
type StaticEnhancer struct{}

func NewStaticEnhancer() *StaticEnhancer {
	return &StaticEnhancer{}
}

var _ Enhancer = (*StaticEnhancer)(nil)

func (s *StaticEnhancer) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", nil
	}
	if style := strings.TrimSpace(req.StyleName); style != "" {
		titled := cases.Title(language.Und).String(style)
		if !strings.Contains(strings.ToLower(prompt), strings.ToLower(style)) {
			prompt = titled + " style: " + prompt
		}
	}
	suffix := qualitySuffixEN
	if _, idx, _ := supportedLocales.Match(language.Make(req.Locale)); idx == 1 {
		suffix = qualitySuffixZH
	}
	if !strings.Contains(prompt, suffix) {
		prompt = prompt + ", " + suffix
	}
	return prompt, nil
}
