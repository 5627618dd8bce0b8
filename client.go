// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package bitrix24

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/b24go/bitrix24/qs"
	"github.com/b24go/bitrix24/ratelimit"
	"github.com/b24go/bitrix24/tokenstore"
	"github.com/b24go/bitrix24/transport"
)

// DefaultOAuthEndpoint is where refresh requests go when the credential
// record does not name a portal-specific OAuth server.
const DefaultOAuthEndpoint = "https://oauth.bitrix.info/oauth/token/"

// serverEndpointPattern recognizes the portal-specific OAuth servers
// that can substitute for the default endpoint. Anything else in the
// server_endpoint field falls back to the configured default; the match
// is exact, so operators should not expect paths or ports to pass.
var serverEndpointPattern = regexp.MustCompile(`^https://oauth\.bitrix\d*\.(tech|info)/rest$`)

// Config holds the process-wide client settings. ClientID and
// ClientSecret are required before any call; everything else falls back
// to documented defaults.
type Config struct {
	ClientID      string `help:"OAuth 2.0 client identifier of the application" default:""`
	ClientSecret  string `help:"OAuth 2.0 client secret of the application" default:""`
	OAuthEndpoint string `help:"token endpoint used for credential refresh" default:"https://oauth.bitrix.info/oauth/token/"`

	Transport transport.Config
	RateLimit ratelimit.Config
}

// Client invokes Bitrix24 REST methods. Create one per application and
// share it: it is safe for concurrent use and paces requests per
// portal internally.
//
// architecture: Peer
type Client struct {
	log    *zap.Logger
	config Config

	store     tokenstore.Store
	limiter   *ratelimit.Limiter
	transport *transport.Client
}

// New creates a Client backed by the given credential store.
func New(log *zap.Logger, store tokenstore.Store, config Config) (*Client, error) {
	if store == nil {
		return nil, Error.New("credential store is required")
	}
	if config.OAuthEndpoint == "" {
		config.OAuthEndpoint = DefaultOAuthEndpoint
	}
	if config.Transport.UserAgent == "" {
		config.Transport.UserAgent = "bitrix24-go " + Version
	}

	httpClient, err := transport.New(log.Named("transport"), config.Transport)
	if err != nil {
		return nil, err
	}

	return &Client{
		log:       log,
		config:    config,
		store:     store,
		limiter:   ratelimit.New(log.Named("ratelimit"), config.RateLimit),
		transport: httpClient,
	}, nil
}

// Transport returns the underlying HTTP transport, mainly so tests can
// swap the round tripper and the clock.
func (client *Client) Transport() *transport.Client { return client.transport }

// Limiter returns the per-portal rate limiter.
func (client *Client) Limiter() *ratelimit.Limiter { return client.limiter }

// Run executes the client's background chores until ctx is cancelled.
// Optional: a client works without it, at the cost of lazier cleanup of
// idle rate limiter state.
func (client *Client) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return client.limiter.Run(ctx)
	})
	return group.Wait()
}

// Close releases background resources and unblocks queued callers.
func (client *Client) Close() error {
	return client.limiter.Close()
}

// Call invokes a named REST method on the portal identified by hint,
// which must carry at least the portal domain. The access token is
// attached automatically; an expired token is refreshed through the
// OAuth endpoint and the call is re-issued once with the new
// credentials.
//
// The returned Response may still carry a domain error envelope, since
// the service reports many failures inside a successful HTTP exchange.
// Classed errors cover everything below that level.
func (client *Client) Call(ctx context.Context, method string, params map[string]any, hint tokenstore.Record) (_ *transport.Response, err error) {
	defer mon.Task()(&ctx)(&err)

	if method == "" {
		return nil, ErrModule.New("method name is required")
	}
	if hint.Domain == "" {
		return nil, ErrModule.New("hint must carry the portal domain")
	}
	if client.config.ClientID == "" || client.config.ClientSecret == "" {
		return nil, ErrModule.New("client id and client secret must be configured")
	}

	return client.call(ctx, method, params, hint, true)
}

// call is Call with the refresh budget made explicit: the re-issued
// request after a refresh runs with allowRefresh false, so a service
// that keeps answering expired_token cannot loop the client.
func (client *Client) call(ctx context.Context, method string, params map[string]any, hint tokenstore.Record, allowRefresh bool) (_ *transport.Response, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := client.store.Read(ctx, hint)
	if err != nil {
		if tokenstore.ErrNotFound.Has(err) {
			return nil, ErrNoInstallApp.New("no credentials for portal %q", hint.Domain)
		}
		return nil, ErrModule.New("credential read failed: %w", err)
	}
	if !record.Valid() {
		return nil, ErrNoInstallApp.New("stored credentials for portal %q are incomplete", hint.Domain)
	}

	if err := client.limiter.Admit(ctx, record.Domain, method); err != nil {
		return nil, err
	}

	form := qs.Values(params)
	form.Set("auth", record.AccessToken)

	response, err := client.transport.Fetch(ctx,
		http.MethodPost, record.ClientEndpoint+method+".json", form,
		transport.Options{Domain: record.Domain, APIMethod: method})
	client.observe(ctx, record.Domain, response, err)
	if err != nil {
		return nil, err
	}

	if response.ErrorCode() == ErrorExpiredToken && allowRefresh {
		mon.Meter("credential_refresh").Mark(1)
		refreshed, err := client.refresh(ctx, record, method)
		if err != nil {
			return nil, err
		}
		if refreshed != nil {
			// refresh answered with a domain error envelope
			return refreshed, nil
		}
		return client.call(ctx, method, params, hint, false)
	}

	return response, nil
}

// refresh exchanges the record's refresh token for new credentials and
// persists them. A nil, nil return means success and the original call
// should be re-issued; a non-nil Response is a domain error envelope
// from the OAuth server, surfaced to the caller unchanged.
func (client *Client) refresh(ctx context.Context, record tokenstore.Record, method string) (_ *transport.Response, err error) {
	defer mon.Task()(&ctx)(&err)

	client.log.Info("access token expired, refreshing",
		zap.String("domain", record.Domain),
		zap.String("apiMethod", method))

	if err := client.limiter.Admit(ctx, record.Domain, "oauth.token"); err != nil {
		return nil, err
	}

	form := qs.Values(map[string]any{
		"client_id":     client.config.ClientID,
		"client_secret": client.config.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": record.RefreshToken,
	})

	response, err := client.transport.Fetch(ctx,
		http.MethodGet, client.oauthEndpoint(record), form,
		transport.Options{Domain: record.Domain, APIMethod: "oauth.token"})
	client.observe(ctx, record.Domain, response, err)
	if err != nil {
		return nil, err
	}
	if response.ErrorCode() != "" {
		return response, nil
	}

	merged := record.Merge(tokenstore.FromPayload(response.Payload))
	// the token response carries no domain, keep the one we had
	merged.Domain = record.Domain
	if err := client.store.Write(ctx, merged); err != nil {
		return nil, ErrModule.New("credential write failed: %w", err)
	}

	client.log.Info("credentials refreshed", zap.String("domain", record.Domain))
	return nil, nil
}

// oauthEndpoint picks the token endpoint for a record: the portal's own
// OAuth server when server_endpoint names a recognized one, the
// configured default otherwise.
func (client *Client) oauthEndpoint(record tokenstore.Record) string {
	if serverEndpointPattern.MatchString(record.ServerEndpoint) {
		return strings.TrimSuffix(record.ServerEndpoint, "/rest") + "/oauth/token/"
	}
	return client.config.OAuthEndpoint
}

// observe feeds the outcome of an exchange into the rate limiter, which
// watches for quota-breach signals. Classed errors still carry a status
// worth reporting, a 503 in particular.
func (client *Client) observe(ctx context.Context, domain string, response *transport.Response, err error) {
	if err != nil {
		if statusErr := transport.Status(err); statusErr != nil {
			client.limiter.Observe(ctx, domain, statusErr.Status, "", "")
		}
		return
	}
	client.limiter.Observe(ctx, domain, response.Status, response.ErrorCode(), response.ErrorDescription())
}
