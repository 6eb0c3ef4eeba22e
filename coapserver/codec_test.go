package coapserver

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCBORCodecRoundTripsThroughKeyTable(t *testing.T) {
	codec, err := NewCBORCodec(map[string]int{"id": 1, "value": 2, "unit": 3})
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}

	inputJSON := []byte(`{"id":"t1","value":21.5,"unit":"celsius","extra":"kept"}`)
	cborBytes, err := codec.JSONToCBOR(bytes.NewReader(inputJSON))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}

	gotJSON, err := codec.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}

	var want, got map[string]interface{}
	if err := jsonAPI.Unmarshal(inputJSON, &want); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	if err := jsonAPI.Unmarshal(gotJSON, &got); err != nil {
		t.Fatalf("unmarshal got: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCBORCodecCompressesKnownKeysToIntegers(t *testing.T) {
	codec, err := NewCBORCodec(map[string]int{"id": 1})
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}

	compressed, err := codec.JSONToCBOR(bytes.NewReader([]byte(`{"id":"t1"}`)))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}

	noop, err := NewCBORCodec(map[string]int{})
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}
	uncompressed, err := noop.JSONToCBOR(bytes.NewReader([]byte(`{"id":"t1"}`)))
	if err != nil {
		t.Fatalf("JSONToCBOR (uncompressed): %v", err)
	}

	if len(compressed) >= len(uncompressed) {
		t.Errorf("compressed encoding (%d bytes, %s) is not smaller than uncompressed (%d bytes, %s)",
			len(compressed), hex.EncodeToString(compressed), len(uncompressed), hex.EncodeToString(uncompressed))
	}
}

func TestNewCBORCodecRejectsDuplicateIntegers(t *testing.T) {
	_, err := NewCBORCodec(map[string]int{"a": 1, "b": 1})
	if err == nil {
		t.Fatal("expected error for duplicate integer code, got nil")
	}
}

func TestCBORToJSONPreservesUnknownIntegerKeysAsStrings(t *testing.T) {
	codec, err := NewCBORCodec(map[string]int{"id": 1})
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}
	// Encode {2: "gauge"} with the default key table's codec, so key 2
	// ("type") is unknown to our deliberately tiny codec above.
	fullCodec := NewDefaultCBORCodec()
	cborBytes, err := fullCodec.JSONToCBOR(bytes.NewReader([]byte(`{"type":"gauge"}`)))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}

	gotJSON, err := codec.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var got map[string]interface{}
	if err := jsonAPI.Unmarshal(gotJSON, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["2"] != "gauge" {
		t.Errorf("got %+v, want key \"2\" mapped to \"gauge\"", got)
	}
}

func TestNewDefaultCBORCodecDoesNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("NewDefaultCBORCodec panicked: %v", r)
		}
	}()
	NewDefaultCBORCodec()
}
