package codec

import (
	"bytes"
	"errors"
	"testing"
)

type sample struct {
	Name  string `json:"name" cbor:"name"`
	Count int    `json:"count" cbor:"count"`
}

func TestMarshal_Formats(t *testing.T) {
	in := sample{Name: "deploy", Count: 3}

	for _, format := range []string{FormatJSON, FormatCBOR, ""} {
		t.Run("format="+format, func(t *testing.T) {
			data, err := Marshal(format, in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var out sample
			if err := Unmarshal(format, data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out != in {
				t.Errorf("expected %+v, got %+v", in, out)
			}
		})
	}
}

func TestMarshal_UnknownFormat(t *testing.T) {
	if _, err := Marshal("xml", 1); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
	if err := Unmarshal("xml", nil, new(int)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestMarshal_CBORDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": "x"}
	b := map[string]any{"c": "x", "a": 2, "b": 1}

	first, err := Marshal(FormatCBOR, a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := Marshal(FormatCBOR, b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same map must produce identical CBOR bytes")
	}
}

func TestDecodeMap_CBORNested(t *testing.T) {
	data, err := Marshal(FormatCBOR, map[string]any{
		"outer": map[string]any{"inner": "value"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	m, err := DecodeMap(FormatCBOR, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	outer, ok := m["outer"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map[string]any, got %T", m["outer"])
	}
	if outer["inner"] != "value" {
		t.Errorf("expected inner=value, got %v", outer["inner"])
	}
}

func TestDecodeMap_Empty(t *testing.T) {
	m, err := DecodeMap(FormatJSON, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m == nil || len(m) != 0 {
		t.Errorf("expected empty map, got %v", m)
	}
}

func TestConvert(t *testing.T) {
	data, err := Marshal(FormatJSON, map[string]any{"url": "http://example.com"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cborData, err := Convert(data, FormatJSON, FormatCBOR)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	m, err := DecodeMap(FormatCBOR, cborData)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["url"] != "http://example.com" {
		t.Errorf("expected url preserved, got %v", m["url"])
	}

	same, err := Convert(data, FormatJSON, FormatJSON)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !bytes.Equal(same, data) {
		t.Error("convert to the same format must return input")
	}
}
