// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tokenstore

import (
	"fmt"
	"strconv"
)

// Record is the credential set of one application installation on one
// portal. Domain is the primary key. JSON tags follow the wire names of
// the OAuth and install payloads, so stores can persist records the way
// the service emits them.
type Record struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	Domain           string `json:"domain"`
	ClientEndpoint   string `json:"client_endpoint"`
	ServerEndpoint   string `json:"server_endpoint"`
	ApplicationToken string `json:"application_token"`
	MemberID         string `json:"member_id"`
	Status           string `json:"status"`
	ExpiresIn        int    `json:"expires_in"`
}

// Valid reports whether the record carries everything a REST call
// needs: an access token to spend, a refresh token to recover with, the
// portal domain and the endpoint to send requests to.
func (record Record) Valid() bool {
	return record.AccessToken != "" &&
		record.RefreshToken != "" &&
		record.Domain != "" &&
		record.ClientEndpoint != ""
}

// Merge overlays the non-empty fields of delta onto the record and
// returns the result. Used when applying a refresh response, which may
// omit fields the stored record already has.
func (record Record) Merge(delta Record) Record {
	merged := record
	if delta.AccessToken != "" {
		merged.AccessToken = delta.AccessToken
	}
	if delta.RefreshToken != "" {
		merged.RefreshToken = delta.RefreshToken
	}
	if delta.Domain != "" {
		merged.Domain = delta.Domain
	}
	if delta.ClientEndpoint != "" {
		merged.ClientEndpoint = delta.ClientEndpoint
	}
	if delta.ServerEndpoint != "" {
		merged.ServerEndpoint = delta.ServerEndpoint
	}
	if delta.ApplicationToken != "" {
		merged.ApplicationToken = delta.ApplicationToken
	}
	if delta.MemberID != "" {
		merged.MemberID = delta.MemberID
	}
	if delta.Status != "" {
		merged.Status = delta.Status
	}
	if delta.ExpiresIn != 0 {
		merged.ExpiresIn = delta.ExpiresIn
	}
	return merged
}

// FromPayload builds a Record from a decoded JSON object using the wire
// field names. Numeric fields tolerate both JSON numbers and strings,
// which the service mixes freely.
func FromPayload(payload map[string]any) Record {
	return Record{
		AccessToken:      stringField(payload, "access_token"),
		RefreshToken:     stringField(payload, "refresh_token"),
		Domain:           stringField(payload, "domain"),
		ClientEndpoint:   stringField(payload, "client_endpoint"),
		ServerEndpoint:   stringField(payload, "server_endpoint"),
		ApplicationToken: stringField(payload, "application_token"),
		MemberID:         stringField(payload, "member_id"),
		Status:           stringField(payload, "status"),
		ExpiresIn:        intField(payload, "expires_in"),
	}
}

func stringField(payload map[string]any, name string) string {
	switch v := payload[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
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
