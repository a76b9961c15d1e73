// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package rpc

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Chain RPC and relay peers speak JSON while channels speak CBOR.  Values
// crossing over are decoded generically and re-encoded.

var jsonDecMode cbor.DecMode

func init() {
	var err error
	jsonDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ToJSON re-encodes a CBOR value as JSON.  Absent values become null.
func ToJSON(raw cbor.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	if err := jsonDecMode.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// FromJSON re-encodes a JSON value as CBOR.  Numbers keep their decimal
// text form.
func FromJSON(raw json.RawMessage) (cbor.RawMessage, error) {
	if len(raw) == 0 {
		return Encode(nil)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Encode(jsonNumbers(v))
}

func jsonNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = jsonNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = jsonNumbers(t[k])
		}
		return t
	default:
		return v
	}
}
