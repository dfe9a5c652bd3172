package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// TokenQueryParam carries the API key on websocket upgrades, where browsers
// cannot set request headers.
const TokenQueryParam = "token"

// Auth returns middleware that requires the API key as a Bearer token or in
// the X-API-Key header. Websocket upgrade requests may pass it as the token
// query parameter instead. Paths listed in public skip the check. An empty
// apiKey disables the middleware.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := requestToken(r)
			switch {
			case token == "":
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
			case subtle.ConstantTimeCompare([]byte(token), want) != 1:
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if isUpgrade(r) {
		return r.URL.Query().Get(TokenQueryParam)
	}
	return ""
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
