// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package qs encodes nested parameter trees into the PHP-style bracket
// notation the Bitrix24 REST service expects in form bodies and query
// strings.
//
// Nested maps become bracketed paths, slices use the element index as
// the bracket key:
//
//	{"fields": {"NAME": "Portal", "OPENED": true}}
//
// encodes as
//
//	fields[NAME]=Portal&fields[OPENED]=1
package qs

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
)

// Values flattens params into url.Values with bracketed keys. Booleans
// encode as "1"/"0" and nil values as the empty string, matching how the
// service's PHP side decodes form input. Duplicate keys produced by the
// flattening overwrite earlier ones.
func Values(params map[string]any) url.Values {
	values := make(url.Values, len(params))
	for key, value := range params {
		add(values, key, value)
	}
	return values
}

// Encode flattens params and serializes them into a form-encoded string.
// Keys are emitted in sorted order at every level, so the output is
// stable for equal inputs.
func Encode(params map[string]any) string {
	return Values(params).Encode()
}

func add(values url.Values, key string, value any) {
	switch v := value.(type) {
	case nil:
		values.Set(key, "")
	case map[string]any:
		for sub, item := range v {
			add(values, key+"["+sub+"]", item)
		}
	case map[string]string:
		for sub, item := range v {
			values.Set(key+"["+sub+"]", item)
		}
	case []any:
		for i, item := range v {
			add(values, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range v {
			values.Set(key+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		if rv := reflect.ValueOf(value); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				add(values, key+"["+strconv.Itoa(i)+"]", rv.Index(i).Interface())
			}
			return
		} else if rv.Kind() == reflect.Map {
			iter := rv.MapRange()
			for iter.Next() {
				add(values, key+"["+fmt.Sprint(iter.Key().Interface())+"]", iter.Value().Interface())
			}
			return
		}
		values.Set(key, scalar(value))
	}
}

func scalar(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
