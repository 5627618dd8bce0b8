// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package filestore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/b24go/bitrix24/tokenstore"
	"github.com/b24go/bitrix24/tokenstore/filestore"
)

func TestReadWrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(t.TempDir(), "credentials.json")
	store := filestore.New(path)

	record := tokenstore.Record{
		AccessToken:    "T",
		RefreshToken:   "R",
		Domain:         "portal.bitrix24.com",
		ClientEndpoint: "https://portal.bitrix24.com/rest/",
		ExpiresIn:      3600,
	}
	require.NoError(t, store.Write(ctx, record))

	loaded, err := store.Read(ctx, tokenstore.Record{Domain: "portal.bitrix24.com"})
	require.NoError(t, err)
	require.Equal(t, record, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReadMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := filestore.New(filepath.Join(t.TempDir(), "credentials.json"))

	_, err := store.Read(ctx, tokenstore.Record{Domain: "portal.bitrix24.com"})
	require.True(t, tokenstore.ErrNotFound.Has(err))
}

func TestReadDomainMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := filestore.New(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Write(ctx, tokenstore.Record{
		AccessToken:    "T",
		RefreshToken:   "R",
		Domain:         "one.bitrix24.com",
		ClientEndpoint: "https://one.bitrix24.com/rest/",
	}))

	_, err := store.Read(ctx, tokenstore.Record{Domain: "other.bitrix24.com"})
	require.True(t, tokenstore.ErrNotFound.Has(err))
}

func TestReadMalformed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store := filestore.New(path)
	_, err := store.Read(ctx, tokenstore.Record{Domain: "portal.bitrix24.com"})
	require.Error(t, err)
	require.False(t, tokenstore.ErrNotFound.Has(err))
}

func TestWriteReplaces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := filestore.New(filepath.Join(t.TempDir(), "credentials.json"))
	first := tokenstore.Record{
		AccessToken:    "T1",
		RefreshToken:   "R1",
		Domain:         "portal.bitrix24.com",
		ClientEndpoint: "https://portal.bitrix24.com/rest/",
	}
	require.NoError(t, store.Write(ctx, first))

	second := first
	second.AccessToken, second.RefreshToken = "T2", "R2"
	require.NoError(t, store.Write(ctx, second))

	loaded, err := store.Read(ctx, tokenstore.Record{Domain: "portal.bitrix24.com"})
	require.NoError(t, err)
	require.Equal(t, "T2", loaded.AccessToken)
	require.Equal(t, "R2", loaded.RefreshToken)
}
