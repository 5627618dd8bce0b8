// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory credential store for tests.
package teststore

import (
	"context"
	"sync"

	"github.com/b24go/bitrix24/tokenstore"
)

// Store keeps records in memory, keyed by portal domain. The zero value
// is not usable; create stores with New. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]tokenstore.Record

	// ReadErr and WriteErr, when set, fail the corresponding calls.
	ReadErr  error
	WriteErr error

	CallCount struct {
		Read  int
		Write int
	}
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: map[string]tokenstore.Record{}}
}

// Populate writes records without counting the calls, for test setup.
func (store *Store) Populate(records ...tokenstore.Record) *Store {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range records {
		store.records[record.Domain] = record
	}
	return store
}

// Read implements tokenstore.Store.
func (store *Store) Read(ctx context.Context, hint tokenstore.Record) (tokenstore.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Read++
	if store.ReadErr != nil {
		return tokenstore.Record{}, store.ReadErr
	}
	record, ok := store.records[hint.Domain]
	if !ok {
		return tokenstore.Record{}, tokenstore.ErrNotFound.New("%q", hint.Domain)
	}
	return record, nil
}

// Write implements tokenstore.Store.
func (store *Store) Write(ctx context.Context, record tokenstore.Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Write++
	if store.WriteErr != nil {
		return store.WriteErr
	}
	store.records[record.Domain] = record
	return nil
}

// Record returns the stored record for a domain, if any.
func (store *Store) Record(domain string) (tokenstore.Record, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[domain]
	return record, ok
}
