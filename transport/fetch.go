// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/b24go/bitrix24/redact"
)

// expiredToken is the one 4xx envelope that is returned as a regular
// response: the caller recovers from it by refreshing credentials.
const expiredToken = "expired_token"

// Fetch performs one logical exchange with the endpoint. Transient
// failures (5xx statuses, resets, timeouts) are retried with
// exponential backoff, redirects are replayed preserving the verb and
// body, and all of it together consumes the attempt budget of opts.
// Either a Response or an error is returned, never both.
func (client *Client) Fetch(ctx context.Context, verb, targetURL string, form url.Values, opts Options) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	opts, err = client.fillOptions(opts)
	if err != nil {
		return nil, err
	}

	log := client.log.With(
		zap.String("domain", opts.Domain),
		zap.String("apiMethod", opts.APIMethod),
		zap.String("requestID", opts.RequestID))

	currentURL := targetURL
	if verb == http.MethodGet && len(form) > 0 {
		currentURL = appendQuery(currentURL, form.Encode())
		form = nil
	}

	budget := opts.Attempts
	retries := 0
	for attempt := 0; budget > 0; attempt++ {
		budget--

		log.Debug("sending request",
			zap.String("verb", verb),
			redact.URL("url", currentURL),
			zap.Int("attempt", attempt))

		status, header, body, err := client.roundTrip(ctx, verb, currentURL, form, opts.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if Error.Has(err) {
				// request construction failure, retrying cannot help
				return nil, err
			}
			if !retryableNetwork(err) {
				return nil, ErrNetwork.Wrap(err)
			}
			mon.Meter("transport_network_retry").Mark(1)
			if budget == 0 {
				return nil, ErrNetwork.Wrap(err)
			}
			log.Warn("network failure, retrying",
				zap.Error(err),
				zap.Int("attemptsLeft", budget))
			if !client.backoff(ctx, log, opts.BasePause, retries) {
				return nil, ctx.Err()
			}
			retries++
			continue
		}

		log.Debug("received response",
			zap.Int("status", status),
			zap.Int("bodyBytes", len(body)))

		switch {
		case status >= 200 && status < 300:
			payload, err := parsePayload(status, header, body)
			if err != nil {
				return nil, err
			}
			return &Response{Status: status, Header: header, Payload: payload}, nil

		case status >= 300 && status < 400:
			mon.Meter("transport_redirect").Mark(1)
			location := header.Get("Location")
			if location == "" {
				return nil, ErrRedirect.Wrap(&StatusError{Status: status, Body: body})
			}
			next, err := resolveReference(currentURL, location)
			if err != nil {
				return nil, ErrRedirect.New("malformed redirect target %q: %w", location, err)
			}
			if budget == 0 {
				return nil, ErrRedirect.New("chain exhausted %d attempts at %s", opts.Attempts, redact.URLString(next))
			}
			log.Debug("following redirect", redact.URL("location", next))
			currentURL = next
			continue

		case status >= 400 && status < 500:
			if payload, ok := decodeEnvelope(body); ok {
				if code, _ := payload["error"].(string); code == expiredToken {
					return &Response{Status: status, Header: header, Payload: payload}, nil
				}
			}
			return nil, ErrClient.Wrap(&StatusError{
				Status:      status,
				ContentType: header.Get("Content-Type"),
				Body:        body,
			})

		case status >= 500 && status < 600:
			mon.Meter("transport_server_retry").Mark(1)
			serverErr := ErrServer.Wrap(&StatusError{
				Status:      status,
				ContentType: header.Get("Content-Type"),
				Body:        body,
			})
			if budget == 0 {
				return nil, serverErr
			}
			log.Warn("server failure, retrying",
				zap.Int("status", status),
				zap.Int("attemptsLeft", budget))
			if !client.backoff(ctx, log, opts.BasePause, retries) {
				return nil, ctx.Err()
			}
			retries++
			continue

		default:
			return nil, ErrUnexpectedStatus.Wrap(&StatusError{
				Status:      status,
				ContentType: header.Get("Content-Type"),
				Body:        body,
			})
		}
	}

	// every budget-exhausting branch returns inside the loop
	return nil, Error.New("attempt budget exhausted")
}

// roundTrip performs a single HTTP exchange under the per-attempt
// timeout and reads the whole body.
func (client *Client) roundTrip(ctx context.Context, verb, target string, form url.Values, timeout time.Duration) (status int, header http.Header, body []byte, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(form) > 0 {
		reader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(reqCtx, verb, target, reader)
	if err != nil {
		return 0, nil, nil, Error.Wrap(err)
	}
	req.Header.Set("User-Agent", client.config.UserAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// backoff pauses before retry number retry: the base pause doubled on
// every retry, plus up to 30% uniform jitter so synchronized clients
// spread out. Returns false when ctx was cancelled during the pause.
func (client *Client) backoff(ctx context.Context, log *zap.Logger, basePause time.Duration, retry int) bool {
	pause := basePause << uint(retry)
	if pause <= 0 {
		pause = basePause
	}
	maxJitter := int64(float64(pause) * 0.3)
	var jitter time.Duration
	if maxJitter > 0 {
		jitter = time.Duration(rand.Int63n(maxJitter))
	}
	total := pause + jitter
	log.Debug("backing off", zap.Duration("pause", total), zap.Int("retry", retry))
	return client.clock.Sleep(ctx, total)
}

// retryableNetwork reports whether an exchange failure is worth another
// attempt. Resets, refusals, timeouts and unreachable hosts come and
// go; anything else fails the call immediately.
func retryableNetwork(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.EPIPE, syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "connection reset")
}

func appendQuery(target, query string) string {
	if query == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + query
	}
	return target + "?" + query
}

func resolveReference(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	next, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(next).String(), nil
}
