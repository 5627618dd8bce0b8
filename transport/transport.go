// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transport performs one logical HTTP exchange with a Bitrix24
// endpoint: it follows redirects by hand, retries transient failures
// with exponential backoff and jitter, enforces a per-attempt timeout
// and decodes the response body by content type. All attempts of one
// logical request share a single attempt budget.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/time2"
	"storj.io/common/uuid"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("transport")

	// ErrNetwork means the exchange failed below HTTP: dial, TLS, DNS,
	// timeouts, resets, or an exhausted retry budget on such failures.
	ErrNetwork = errs.Class("network error")

	// ErrClient means the service rejected the request with a 4xx
	// status (other than an expired-token envelope, which is returned
	// as a regular response so the caller can refresh).
	ErrClient = errs.Class("client error")

	// ErrServer means the service kept failing with 5xx statuses until
	// the attempt budget ran out.
	ErrServer = errs.Class("server error")

	// ErrRedirect means a redirect had no usable target or the chain
	// outran the attempt budget.
	ErrRedirect = errs.Class("redirect error")

	// ErrResponseParse means the body did not decode as its declared
	// content type.
	ErrResponseParse = errs.Class("response parse error")

	// ErrUnexpectedStatus means a status class this client does not
	// handle, like 1xx.
	ErrUnexpectedStatus = errs.Class("unexpected status")
)

// Config tunes the transport. The zero value falls back to the
// documented defaults.
type Config struct {
	Attempts  int           `help:"HTTP attempt budget for one logical request, shared by retries and redirects" default:"3"`
	BasePause time.Duration `help:"base pause before a retry, doubled on every further retry" default:"1s"`
	Timeout   time.Duration `help:"timeout for a single HTTP attempt" default:"15s"`
	Proxy     string        `help:"optional proxy URL for outgoing requests" default:""`
	UserAgent string        `help:"User-Agent header sent with every request" default:""`
}

func (config Config) withDefaults() Config {
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.BasePause <= 0 {
		config.BasePause = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "bitrix24-go"
	}
	return config
}

// Options adjusts a single Fetch. Zero fields fall back to the client
// configuration; RequestID is generated when empty.
type Options struct {
	Attempts  int
	BasePause time.Duration
	Timeout   time.Duration

	Domain    string
	APIMethod string
	RequestID string
}

// Client issues HTTP requests. Safe for concurrent use.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
	clock  time2.Clock
}

// New creates a Client. Redirects are never followed automatically;
// Fetch replays them by hand so they count against the attempt budget.
func New(log *zap.Logger, config Config) (*Client, error) {
	config = config.withDefaults()

	httpTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, Error.New("default transport has unexpected type %T", http.DefaultTransport)
	}
	httpTransport = httpTransport.Clone()
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, Error.New("malformed proxy url: %w", err)
		}
		httpTransport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		log:    log,
		config: config,
		http: &http.Client{
			Transport: httpTransport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// TestSwapTransport replaces the underlying round tripper with the one
// specified for use in testing.
func (client *Client) TestSwapTransport(rt http.RoundTripper) {
	client.http.Transport = rt
}

// TestSwapClock replaces the internal clock with the one specified for
// use in testing.
func (client *Client) TestSwapClock(clock time2.Clock) {
	client.clock = clock
}

func (client *Client) fillOptions(opts Options) (Options, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = client.config.Attempts
	}
	if opts.BasePause <= 0 {
		opts.BasePause = client.config.BasePause
	}
	if opts.Timeout <= 0 {
		opts.Timeout = client.config.Timeout
	}
	if opts.RequestID == "" {
		id, err := uuid.New()
		if err != nil {
			return opts, Error.Wrap(err)
		}
		opts.RequestID = id.String()
	}
	return opts, nil
}

// StatusError carries the HTTP status and offending body of a failed
// exchange, retrievable from classed errors with errors.As.
type StatusError struct {
	Status      int
	ContentType string
	Body        []byte
}

// Error implements the error interface. The body itself is deliberately
// left out: it may carry credentials and belongs in scrubbed structured
// logs only.
func (e *StatusError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("status %d, body %d bytes", e.Status, len(e.Body))
	}
	return fmt.Sprintf("status %d (%s), body %d bytes", e.Status, e.ContentType, len(e.Body))
}

// Status extracts the StatusError carried by a classed transport error,
// or nil when the error carries none.
func Status(err error) *StatusError {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	return nil
}
