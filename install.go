// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package bitrix24

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/b24go/bitrix24/redact"
	"github.com/b24go/bitrix24/tokenstore"
)

// InstallResult reports a processed install callback. RestOnly
// distinguishes headless installs (server-side event, no UI placement)
// from installs completed inside the portal UI.
type InstallResult struct {
	RestOnly bool
	Auth     tokenstore.Record
}

// Install turns an install-callback payload into the portal's initial
// credential record and persists it. Two payload shapes are recognized:
// the ONAPPINSTALL event with a nested auth object, sent to headless
// applications, and the flat DEFAULT placement form posted when a user
// finishes installation in the portal UI. Anything else is ErrInstall.
func (client *Client) Install(ctx context.Context, payload map[string]any) (_ InstallResult, err error) {
	defer mon.Task()(&ctx)(&err)

	client.log.Debug("install callback received", redact.Any("payload", payload))

	switch {
	case stringField(payload, "event") == "ONAPPINSTALL":
		auth, ok := payload["auth"].(map[string]any)
		if !ok {
			return InstallResult{}, ErrInstall.New("ONAPPINSTALL payload carries no auth object")
		}
		record := tokenstore.FromPayload(auth)
		if err := client.store.Write(ctx, record); err != nil {
			return InstallResult{}, ErrInstall.New("credential write failed: %w", err)
		}
		client.log.Info("application installed", zap.String("domain", record.Domain), zap.Bool("restOnly", true))
		return InstallResult{RestOnly: true, Auth: record}, nil

	case stringField(payload, "PLACEMENT") == "DEFAULT":
		accessToken := stringField(payload, "AUTH_ID")
		domain := stringField(payload, "DOMAIN")
		if accessToken == "" || domain == "" {
			return InstallResult{}, ErrInstall.New("placement payload is missing AUTH_ID or DOMAIN")
		}
		expiresIn := intField(payload, "AUTH_EXPIRES")
		if expiresIn == 0 {
			expiresIn = 3600
		}
		record := tokenstore.Record{
			AccessToken:      accessToken,
			RefreshToken:     stringField(payload, "REFRESH_ID"),
			Domain:           domain,
			ClientEndpoint:   "https://" + domain + "/rest/",
			ApplicationToken: stringField(payload, "APP_SID"),
			MemberID:         stringField(payload, "member_id"),
			Status:           stringField(payload, "status"),
			ExpiresIn:        expiresIn,
		}
		if err := client.store.Write(ctx, record); err != nil {
			return InstallResult{}, ErrInstall.New("credential write failed: %w", err)
		}
		client.log.Info("application installed", zap.String("domain", record.Domain), zap.Bool("restOnly", false))
		return InstallResult{RestOnly: false, Auth: record}, nil

	default:
		return InstallResult{}, ErrInstall.New("unrecognized install payload shape")
	}
}

func stringField(payload map[string]any, name string) string {
	value, _ := payload[name].(string)
	return value
}

func intField(payload map[string]any, name string) int {
	switch v := payload[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
