package middleware

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
)

const (
	localeKey contextKey = "locale"

	// LocaleHeader lets clients pin a locale explicitly, overriding the
	// Accept-Language negotiation.
	LocaleHeader = "X-Locale"
)

var supportedLocales = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// Locale negotiates the request locale and stores the canonical tag string in
// the request context.
func Locale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		preferred := r.Header.Get(LocaleHeader)
		if preferred == "" {
			preferred = r.Header.Get("Accept-Language")
		}
		tags, _, err := language.ParseAcceptLanguage(preferred)
		if err != nil || len(tags) == 0 {
			tags = []language.Tag{language.English}
		}
		// The index identifies the supported tag; the matcher's returned
		// tag may carry the caller's region extension.
		_, idx, _ := localeMatcher.Match(tags...)
		ctx := context.WithValue(r.Context(), localeKey, supportedLocales[idx].String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LocaleFromContext returns the negotiated locale, defaulting to English.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(localeKey).(string); ok && v != "" {
		return v
	}
	return language.English.String()
}
