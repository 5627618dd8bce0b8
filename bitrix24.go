// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bitrix24 is a client library for the Bitrix24 REST service.
// It invokes remote methods on behalf of an installed OAuth 2.0
// application across any number of tenant portals, refreshing expired
// credentials transparently and pacing requests per portal against the
// service-side leaky-bucket quota.
//
// The Client orchestrates the subpackages: tokenstore keeps OAuth
// credentials, ratelimit paces requests, transport performs the HTTP
// exchanges and qs encodes parameter trees into the form notation the
// service expects.
package bitrix24

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("bitrix24")

	// ErrNoInstallApp means no valid credential record exists for the
	// portal: the application is not installed there, or the stored
	// record is incomplete.
	ErrNoInstallApp = errs.Class("application not installed")

	// ErrModule means an internal failure in the client or one of its
	// collaborators, like credential storage breaking mid-call.
	ErrModule = errs.Class("module error")

	// ErrInstall means an install payload could not be turned into a
	// credential record.
	ErrInstall = errs.Class("install error")
)

// Version of the library, reported in the User-Agent of every request.
const Version = "0.1.0"

// Domain error codes the service returns inside response envelopes.
// Only ErrorExpiredToken triggers a credential refresh and only
// ErrorQueryLimitExceeded engages the rate limiter block; the rest are
// surfaced to the caller as-is.
const (
	ErrorExpiredToken        = "expired_token"
	ErrorInvalidToken        = "invalid_token"
	ErrorInvalidGrant        = "invalid_grant"
	ErrorInvalidClient       = "invalid_client"
	ErrorQueryLimitExceeded  = "QUERY_LIMIT_EXCEEDED"
	ErrorMethodNotFound      = "ERROR_METHOD_NOT_FOUND"
	ErrorNoAuthFound         = "NO_AUTH_FOUND"
	ErrorInternalServerError = "INTERNAL_SERVER_ERROR"
	ErrorConnectionError     = "CONNECTION_ERROR"
)
