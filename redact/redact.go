// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redact scrubs credentials and other sensitive material from
// values before they reach logs.
package redact

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Placeholder replaces every sensitive value.
const Placeholder = "***"

// maxDepth bounds the recursive scrub. The bound also keeps reference
// cycles from hanging the walk.
const maxDepth = 10

// longStringLimit is the length beyond which base64-looking strings are
// collapsed to a length marker.
const longStringLimit = 500

var sensitiveNames = map[string]struct{}{
	"auth":          {},
	"access_token":  {},
	"refresh_token": {},
	"client_secret": {},
	"token":         {},
	"password":      {},
	"key":           {},
	"secret":        {},
	"code":          {},
	"authorization": {},
}

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+/-]+);base64,`)

// Sensitive reports whether a field with the given name must never be
// logged verbatim. Matching is case-insensitive.
func Sensitive(name string) bool {
	_, ok := sensitiveNames[strings.ToLower(name)]
	return ok
}

// Value returns a copy of value safe for logging: sensitive fields are
// replaced with Placeholder at any nesting depth and long base64 blobs
// collapse to a length marker. The input is never modified.
func Value(value any) any {
	return scrub(value, 0)
}

// Values scrubs a form body.
func Values(form url.Values) url.Values {
	out := make(url.Values, len(form))
	for name, items := range form {
		if Sensitive(name) {
			out[name] = []string{Placeholder}
			continue
		}
		scrubbed := make([]string, len(items))
		for i, item := range items {
			scrubbed[i] = collapse(item)
		}
		out[name] = scrubbed
	}
	return out
}

// URLString scrubs sensitive query parameters and userinfo from a URL,
// keeping the rest intact. Strings that do not parse as URLs are
// returned unchanged.
func URLString(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		if _, has := parsed.User.Password(); has {
			parsed.User = url.UserPassword(parsed.User.Username(), Placeholder)
		}
	}
	if parsed.RawQuery != "" {
		query, err := url.ParseQuery(parsed.RawQuery)
		if err == nil {
			for name := range query {
				if Sensitive(name) {
					query.Set(name, Placeholder)
				}
			}
			parsed.RawQuery = query.Encode()
		}
	}
	return parsed.String()
}

// Any is a zap field carrying the scrubbed rendition of value.
func Any(key string, value any) zap.Field {
	return zap.Any(key, Value(value))
}

// URL is a zap field carrying the scrubbed rendition of a URL.
func URL(key, rawURL string) zap.Field {
	return zap.String(key, URLString(rawURL))
}

func scrub(value any, depth int) any {
	if depth >= maxDepth {
		return fmt.Sprintf("[TRUNCATED depth=%d]", depth)
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for name, item := range v {
			if Sensitive(name) {
				out[name] = Placeholder
				continue
			}
			out[name] = scrub(item, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for name, item := range v {
			if Sensitive(name) {
				out[name] = Placeholder
				continue
			}
			out[name] = collapse(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrub(item, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = collapse(item)
		}
		return out
	case url.Values:
		return Values(v)
	case http.Header:
		return http.Header(scrubLists(v))
	case map[string][]string:
		return scrubLists(v)
	case string:
		return collapse(v)
	default:
		return value
	}
}

func scrubLists(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for name, items := range m {
		if Sensitive(name) {
			out[name] = []string{Placeholder}
			continue
		}
		scrubbed := make([]string, len(items))
		for i, item := range items {
			scrubbed[i] = collapse(item)
		}
		out[name] = scrubbed
	}
	return out
}

// collapse shortens strings that look like embedded base64 payloads, so
// a single log line cannot balloon to megabytes.
func collapse(s string) string {
	if len(s) <= longStringLimit {
		return s
	}
	if m := dataURIPattern.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("[IMAGE BASE64 DATA type=%s, length=%d]", m[1], len(s))
	}
	if looksBase64(s) {
		return fmt.Sprintf("[BASE64 DATA length=%d]", len(s))
	}
	return s
}

func looksBase64(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == '\n' || c == '\r':
		default:
			return false
		}
	}
	return true
}
