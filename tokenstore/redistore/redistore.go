// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redistore persists credential records in Redis, one JSON
// value per portal domain. Suitable for deployments where several
// processes serve the same application installations.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/b24go/bitrix24/tokenstore"
)

var (
	// Error is a redistore error.
	Error = errs.Class("redistore")

	mon = monkit.Package()
)

const keyPrefix = "b24:portal:"

// Records have no TTL: a refresh token stays usable until the portal
// revokes it, so expiry is the server's call, not the cache's.
const defaultTTL = 0 * time.Minute

// Store keeps credential records in Redis.
type Store struct {
	db  *redis.Client
	TTL time.Duration
}

// Open returns a configured Store, verifying a successful connection to
// redis.
func Open(ctx context.Context, address, password string, db int) (*Store, error) {
	store := &Store{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
		TTL: defaultTTL,
	}

	// ping here to verify we are able to connect to redis with the initialized store.
	if err := store.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return store, nil
}

// OpenFrom returns a configured Store from a redis address of the form
// redis://host:port?db=N&password=..., verifying a successful
// connection to redis.
func OpenFrom(ctx context.Context, address string) (*Store, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if q.Get("db") != "" {
		db, err = strconv.Atoi(q.Get("db"))
		if err != nil {
			return nil, err
		}
	}

	return Open(ctx, redisurl.Host, q.Get("password"), db)
}

// Read implements tokenstore.Store.
func (store *Store) Read(ctx context.Context, hint tokenstore.Record) (_ tokenstore.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if hint.Domain == "" {
		return tokenstore.Record{}, Error.New("portal domain is required")
	}

	data, err := store.db.Get(ctx, keyPrefix+hint.Domain).Bytes()
	if errors.Is(err, redis.Nil) {
		return tokenstore.Record{}, tokenstore.ErrNotFound.New("%q", hint.Domain)
	}
	if err != nil {
		return tokenstore.Record{}, Error.New("get error: %v", err)
	}

	var record tokenstore.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return tokenstore.Record{}, Error.New("malformed record for %q: %w", hint.Domain, err)
	}
	return record, nil
}

// Write implements tokenstore.Store.
func (store *Store) Write(ctx context.Context, record tokenstore.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	if record.Domain == "" {
		return Error.New("portal domain is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}

	err = store.db.Set(ctx, keyPrefix+record.Domain, data, store.TTL).Err()
	if err != nil {
		return Error.New("put error: %v", err)
	}
	return nil
}

// Delete removes the record of a portal, for uninstall flows.
func (store *Store) Delete(ctx context.Context, domain string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if domain == "" {
		return Error.New("portal domain is required")
	}
	return Error.Wrap(store.db.Del(ctx, keyPrefix+domain).Err())
}

// Close closes the underlying redis client.
func (store *Store) Close() error {
	return store.db.Close()
}
