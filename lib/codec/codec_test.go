// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type body struct {
		ID      string         `cbor:"id"`
		Kind    string         `cbor:"kind"`
		Args    map[string]any `cbor:"args,omitempty"`
		Retries int            `cbor:"retries,omitempty"`
	}

	original := body{
		ID:   "cmd-1",
		Kind: "exec",
		Args: map[string]any{"command": "uptime"},
	}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded body
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != original.ID || decoded.Kind != original.Kind {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
	if decoded.Args["command"] != "uptime" {
		t.Errorf("args lost in round trip: %+v", decoded.Args)
	}
}

// Deterministic encoding: the same map must encode to identical bytes
// regardless of Go's map iteration order.
func TestDeterministicMapEncoding(t *testing.T) {
	value := map[string]int{"zulu": 26, "alpha": 1, "mike": 13, "echo": 5}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

// Any-typed decode targets must produce map[string]any, not the CBOR
// default map[interface{}]interface{}.
func TestDefaultMapType(t *testing.T) {
	encoded, err := Marshal(map[string]any{"outer": map[string]any{"inner": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type is %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type is %T, want map[string]any", outer["outer"])
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	encoded, err := Marshal(map[string]any{"id": "x", "future_field": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		ID string `cbor:"id"`
	}
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.ID != "x" {
		t.Errorf("ID = %q, want %q", decoded.ID, "x")
	}
}
