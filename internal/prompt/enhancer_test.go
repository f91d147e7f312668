package prompt

import (
	"context"
	"strings"
	"testing"
)

func TestEnhanceAppendsQualitySuffix(t *testing.T) {
	e := NewStaticEnhancer()

	got, err := e.Enhance(context.Background(), EnhanceRequest{Prompt: "portrait of a cat", Locale: "en"})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if !strings.HasPrefix(got, "portrait of a cat") {
		t.Fatalf("got %q, want original prompt kept", got)
	}
	if !strings.Contains(got, "studio lighting") {
		t.Fatalf("got %q, want english quality suffix", got)
	}
}

func TestEnhanceChineseLocale(t *testing.T) {
	e := NewStaticEnhancer()

	got, err := e.Enhance(context.Background(), EnhanceRequest{Prompt: "古风人像", Locale: "zh-CN"})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if !strings.Contains(got, "商业摄影质感") {
		t.Fatalf("got %q, want chinese quality suffix", got)
	}
}

func TestEnhancePrefixesStyleName(t *testing.T) {
	e := NewStaticEnhancer()

	got, err := e.Enhance(context.Background(), EnhanceRequest{Prompt: "a garden", StyleName: "oil painting", Locale: "en"})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if !strings.HasPrefix(got, "Oil Painting style: a garden") {
		t.Fatalf("got %q, want titled style prefix", got)
	}

	got, err = e.Enhance(context.Background(), EnhanceRequest{Prompt: "oil painting of a garden", StyleName: "oil painting", Locale: "en"})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if strings.HasPrefix(got, "Oil Painting style:") {
		t.Fatalf("got %q, style already mentioned must not be prefixed", got)
	}
}

func TestEnhanceEmptyPrompt(t *testing.T) {
	e := NewStaticEnhancer()

	got, err := e.Enhance(context.Background(), EnhanceRequest{Prompt: "   "})
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
