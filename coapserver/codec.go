// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coapserver is the external collaborator the gateway dispatches
// decrypted CoAP requests to: a CoAP<->HTTP bridge (RFC 8075) fronting an
// ordinary http.Handler, plus the low-bandwidth CBOR transcoding and CoAP
// enum path compression a constrained client benefits from.
package coapserver

import (
	"fmt"
	"io"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/matrix-org/gomatrixserverlib"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// CBORCodec converts between JSON and a CBOR encoding that replaces
// known object keys with small integers, trading a fixed key table for
// a smaller wire size on constrained links.
type CBORCodec struct {
	keys     map[string]int
	enumKeys map[int]string
	// Canonical selects deterministic output: Matrix canonical JSON
	// (https://spec.matrix.org/latest/appendices/#canonical-json) on
	// CBORToJSON, RFC 7049 section 3.9 canonical CBOR on JSONToCBOR. Only useful for tests that need reproducible bytes;
	// it costs extra CPU.
	Canonical bool
}

// NewCBORCodec builds a codec that maps the given JSON object keys to
// the paired integers. It fails if two keys map to the same integer.
func NewCBORCodec(keys map[string]int) (*CBORCodec, error) {
	c := &CBORCodec{keys: keys, enumKeys: make(map[int]string)}
	for k, v := range keys {
		if _, ok := c.enumKeys[v]; ok {
			return nil, fmt.Errorf("cbor codec: duplicate integer %d for key %q", v, k)
		}
		c.enumKeys[v] = k
	}
	return c, nil
}

// NewDefaultCBORCodec builds a codec using DefaultKeyTable, the set of
// JSON field names this package's CoAP resources actually emit.
func NewDefaultCBORCodec() *CBORCodec {
	c, err := NewCBORCodec(DefaultKeyTable)
	if err != nil {
		panic("coapserver: default cbor key table has a collision: " + err.Error())
	}
	return c
}

// CBORToJSON converts one CBOR object into one JSON object.
func (c *CBORCodec) CBORToJSON(input io.Reader) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.NewDecoder(input).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("CBORToJSON: decoding cbor: %w", err)
	}
	intermediate = cborToJSONValue(intermediate, c.enumKeys)
	b, err := jsonAPI.Marshal(intermediate)
	if err != nil {
		return nil, err
	}
	if c.Canonical {
		return gomatrixserverlib.CanonicalJSON(b)
	}
	return b, nil
}

// JSONToCBOR converts one JSON object into one CBOR object.
func (c *CBORCodec) JSONToCBOR(input io.Reader) ([]byte, error) {
	var intermediate interface{}
	if err := jsonAPI.NewDecoder(input).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("JSONToCBOR: decoding json: %w", err)
	}
	intermediate = jsonToCBORValue(intermediate, c.keys)
	if c.Canonical {
		enc, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("JSONToCBOR: building deterministic encoder: %w", err)
		}
		return enc.Marshal(intermediate)
	}
	return cbor.Marshal(intermediate)
}

// jsonToCBORValue walks a value produced by encoding/json's default
// decoding (bool, float64, string, []interface{}, map[string]interface{},
// nil) and replaces object keys present in lookup with their integer
// code, since CBOR permits non-string map keys.
func jsonToCBORValue(v interface{}, lookup map[string]int) interface{} {
	if v == nil {
		return nil
	}
	switch val := reflect.ValueOf(v); val.Type().Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, el := range arr {
			arr[i] = jsonToCBORValue(el, lookup)
		}
		return arr
	case reflect.Map:
		out := make(map[interface{}]interface{})
		for k, v := range v.(map[string]interface{}) {
			if n, ok := lookup[k]; ok {
				out[n] = jsonToCBORValue(v, lookup)
			} else {
				out[k] = jsonToCBORValue(v, lookup)
			}
		}
		return out
	default:
		return v
	}
}

// cborToJSONValue is jsonToCBORValue's inverse: it restores integer map
// keys back to strings via lookup, writes integer keys missing from
// lookup as their decimal string, and drops any key that is neither a
// string nor an integer (CBOR permits arbitrary key types; JSON does not).
func cborToJSONValue(v interface{}, lookup map[int]string) interface{} {
	if v == nil {
		return nil
	}
	switch val := reflect.ValueOf(v); val.Type().Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, el := range arr {
			arr[i] = cborToJSONValue(el, lookup)
		}
		return arr
	case reflect.Map:
		out := make(map[string]interface{})
		m := v.(map[interface{}]interface{})
		var intKeys []int
		intVals := make(map[int]interface{})
		var strKeys []string
		for k, v := range m {
			if s, ok := k.(string); ok {
				strKeys = append(strKeys, s)
				continue
			}
			if n, ok := asInt(k); ok {
				intKeys = append(intKeys, n)
				intVals[n] = v
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		for _, n := range intKeys {
			if s, ok := lookup[n]; ok {
				out[s] = cborToJSONValue(intVals[n], lookup)
			} else {
				out[fmt.Sprintf("%d", n)] = cborToJSONValue(intVals[n], lookup)
			}
		}
		for _, s := range strKeys {
			out[s] = cborToJSONValue(m[s], lookup)
		}
		return out
	default:
		return v
	}
}

func asInt(k interface{}) (int, bool) {
	switch n := k.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
