// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
)

// Response is a decoded service reply. Payload always holds a decoded
// object: JSON bodies decode directly, non-JSON bodies are wrapped as
// {"content": ..., "format": ...} and empty bodies or replies without a
// content type become {"ok": true}.
type Response struct {
	Status  int
	Header  http.Header
	Payload map[string]any
}

// Result returns the payload "result" member, the useful part of a
// successful REST reply.
func (response *Response) Result() any {
	if response == nil || response.Payload == nil {
		return nil
	}
	return response.Payload["result"]
}

// ErrorCode returns the domain error code of an error envelope, or ""
// for a non-error reply.
func (response *Response) ErrorCode() string {
	if response == nil || response.Payload == nil {
		return ""
	}
	code, _ := response.Payload["error"].(string)
	return code
}

// ErrorDescription returns the human-readable part of an error
// envelope.
func (response *Response) ErrorDescription() string {
	if response == nil || response.Payload == nil {
		return ""
	}
	description, _ := response.Payload["error_description"].(string)
	return description
}

// parsePayload decodes a response body according to its declared
// content type. Non-JSON bodies are tried as JSON first, since the
// service is known to mislabel JSON replies on some error paths.
func parsePayload(status int, header http.Header, body []byte) (map[string]any, error) {
	mediatype, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if status == http.StatusNoContent || mediatype == "" || len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{"ok": status >= 200 && status < 300}, nil
	}

	switch {
	case mediatype == "application/json" || strings.HasSuffix(mediatype, "+json"):
		payload, ok := decodeEnvelope(body)
		if !ok {
			return nil, ErrResponseParse.Wrap(&StatusError{
				Status:      status,
				ContentType: mediatype,
				Body:        body,
			})
		}
		return payload, nil

	case mediatype == "text/html" || mediatype == "text/plain":
		if payload, ok := decodeEnvelope(body); ok {
			return payload, nil
		}
		return map[string]any{"content": string(body), "format": textFormat(mediatype)}, nil

	default:
		if payload, ok := decodeEnvelope(body); ok {
			return payload, nil
		}
		return map[string]any{"content": string(body), "format": mediatype}, nil
	}
}

// textFormat is the short format token consumers match on.
func textFormat(mediatype string) string {
	if mediatype == "text/html" {
		return "html"
	}
	return "text"
}

// decodeEnvelope tries to read a body as a JSON object, regardless of
// the declared content type. Valid JSON that is not an object (the
// service replies with bare booleans on a few methods) is wrapped under
// a "result" key.
func decodeEnvelope(body []byte) (map[string]any, bool) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	if payload, ok := decoded.(map[string]any); ok {
		return payload, true
	}
	return map[string]any{"result": decoded}, true
}
