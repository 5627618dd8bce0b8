// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tokenstore defines the credential records issued to an
// installed Bitrix24 application and the storage interface the client
// reads them through.
package tokenstore

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("tokenstore")

	// ErrNotFound means the store holds no record for the requested
	// portal.
	ErrNotFound = errs.Class("credential record not found")
)

// Store persists one credential record per portal domain. Read receives
// a hint carrying at least the portal domain; implementations may use
// further hint fields to key multi-tenant backends. Absence is reported
// with ErrNotFound, never with an empty record.
type Store interface {
	Read(ctx context.Context, hint Record) (Record, error)
	Write(ctx context.Context, record Record) error
}
