package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultCredentialCookie is the cookie carrying the caller's token.
const DefaultCredentialCookie = "token"

// CookieStage parses the Cookie header into Cookies. Values are URI-decoded
// and values prefixed with "j:" are decoded as JSON when they are valid JSON.
// The first occurrence of a name wins.
type CookieStage struct {
	credential string
}

func NewCookieStage(credential string) *CookieStage {
	if credential == "" {
		credential = DefaultCredentialCookie
	}
	return &CookieStage{credential: credential}
}

func (s *CookieStage) Name() string { return StageCookies }

func (s *CookieStage) Transform(r *http.Request) (*http.Request, error) {
	if CredentialsFromContext(r.Context()) != nil {
		return r, nil
	}

	cookies, err := ParseCookieHeader(strings.Join(r.Header.Values("Cookie"), "; "))
	if err != nil {
		return r, &ParseError{Stage: StageCookies, Status: http.StatusBadRequest, Err: err}
	}

	ctx := WithCookies(r.Context(), cookies)
	if token, ok := cookies[s.credential].(string); ok && token != "" {
		ctx = WithCredential(ctx, token)
	}
	return r.WithContext(ctx), nil
}

// ParseCookieHeader parses a Cookie header value. An empty header yields an
// empty, non-nil map. Pairs without "=" or without a name are skipped; only a
// bad percent-escape in a value is an error.
func ParseCookieHeader(header string) (Cookies, error) {
	cookies := make(Cookies)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, raw, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			continue
		}
		if _, exists := cookies[name]; exists {
			continue
		}

		raw = strings.TrimSpace(raw)
		if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
			raw = raw[1 : len(raw)-1]
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("cookie %q: %w", name, err)
		}
		cookies[name] = decodeJSONCookie(value)
	}
	return cookies, nil
}

func decodeJSONCookie(value string) interface{} {
	if !strings.HasPrefix(value, "j:") {
		return value
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(value[2:]), &decoded); err != nil {
		return value
	}
	return decoded
}
