// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpmock provides a scripted http.RoundTripper for tests: it
// returns registered responses per URL in sequence and records every
// request it served, so tests can assert ordering, verbs and bodies.
package httpmock

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Response represents a mocked HTTP response, or a transport failure
// when Err is set.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	Err        error
}

// JSONResponse is a Response carrying a JSON body.
func JSONResponse(statusCode int, body string) Response {
	return Response{
		StatusCode: statusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// ErrorResponse is a Response that fails the exchange with err instead
// of producing a response.
func ErrorResponse(err error) Response {
	return Response{Err: err}
}

// Request is a record of one request the transport served.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   string
	Form   url.Values
	At     time.Time
}

// Transport is a scripted HTTP transport.
type Transport struct {
	mutex     sync.Mutex
	responses map[string][]Response
	requests  []Request
}

// NewTransport creates a new instance of Transport.
func NewTransport() *Transport {
	return &Transport{
		responses: make(map[string][]Response),
	}
}

// AddResponse registers responses for a given URL. Multiple responses
// for the same URL are returned in sequence; the URL must match the
// request exactly, including the query string.
func (t *Transport) AddResponse(url string, responses ...Response) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.responses[url] = append(t.responses[url], responses...)
}

// Requests returns a snapshot of every request served so far, in
// arrival order.
func (t *Transport) Requests() []Request {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]Request(nil), t.requests...)
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	record := Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		At:     time.Now(),
	}
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		record.Body = string(data)
		if strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if form, err := url.ParseQuery(record.Body); err == nil {
				record.Form = form
			}
		}
	}
	t.requests = append(t.requests, record)

	if responses, ok := t.responses[record.URL]; ok && len(responses) > 0 {
		response := responses[0]
		// Remove the first response after using it
		t.responses[record.URL] = responses[1:]

		if response.Err != nil {
			return nil, response.Err
		}

		headers := make(http.Header)
		for key, value := range response.Headers {
			headers.Set(key, value)
		}

		return &http.Response{
			StatusCode: response.StatusCode,
			Header:     headers,
			Body:       io.NopCloser(strings.NewReader(response.Body)),
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("Not Found")),
		Request:    req,
	}, nil
}

// NewClient creates an *http.Client configured to use the Transport.
func NewClient() (*http.Client, *Transport) {
	transport := NewTransport()
	client := &http.Client{Transport: transport}
	return client, transport
}
