// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filestore keeps a single credential record in a JSON file.
// It exists for single-portal deployments and local development; shared
// deployments should use a backend like redistore instead.
package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/b24go/bitrix24/tokenstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("filestore")
)

// Store reads and writes one record in a JSON file.
type Store struct {
	path string
}

// New creates a Store backed by the file at path. The file does not
// need to exist yet; the first Write creates it.
func New(path string) *Store {
	return &Store{path: path}
}

// Read loads the stored record. When the file is missing, or holds a
// record for a different domain than the hint asks for, it reports
// tokenstore.ErrNotFound.
func (store *Store) Read(ctx context.Context, hint tokenstore.Record) (_ tokenstore.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tokenstore.Record{}, tokenstore.ErrNotFound.New("%q", hint.Domain)
		}
		return tokenstore.Record{}, Error.Wrap(err)
	}

	var record tokenstore.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return tokenstore.Record{}, Error.New("malformed credential file %q: %w", store.path, err)
	}
	if hint.Domain != "" && record.Domain != hint.Domain {
		return tokenstore.Record{}, tokenstore.ErrNotFound.New("%q", hint.Domain)
	}
	return record, nil
}

// Write persists the record, replacing whatever the file held before.
// The write goes through a temporary file and a rename, so a crash
// cannot leave a half-written record behind.
func (store *Store) Write(ctx context.Context, record tokenstore.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.MarshalIndent(record, "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}

	dir := filepath.Dir(store.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(store.path)+".tmp-*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(tmp.Name()))
		}
	}()

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if _, err := tmp.Write(data); err != nil {
		return errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp.Name(), store.path))
}
