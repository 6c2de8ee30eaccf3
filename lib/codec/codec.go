// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration point for fleetlink.
// All frame bodies on the gateway/node wire are encoded through this
// package so that every component agrees on one deterministic encoding.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical frame body always produces identical bytes, which keeps frame
// contents reproducible in logs and tests.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are ignored so a newer
// gateway can talk to an older node agent and vice versa.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Command payloads carry free-form maps (operator-supplied
		// arguments). When the decode target is any, pick
		// map[string]any rather than the CBOR default
		// map[interface{}]interface{} so the result interoperates
		// with encoding/json and ordinary Go code. Struct field
		// decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of a
// frame body until its type tag has been inspected.
type RawMessage = cbor.RawMessage
