// Package codec сериализует параметры задач и ответы корреллятора.
//
// Поддерживаются два формата:
//   - json — для HTTP API и отладки
//   - cbor — компактный детерминированный формат для хранения
//
// Формат хранится рядом с данными (DelegateTask.Format,
// NotifyResponse.Format), поэтому читатель всегда знает, как декодировать.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Format — формат сериализации.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// ErrUnknownFormat — неизвестный формат сериализации.
var ErrUnknownFormat = errors.New("unknown serialization format")

// encMode — Core Deterministic Encoding: одинаковые данные дают одинаковые байты.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// map[string]any вместо map[any]any, иначе результат несовместим с encoding/json.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Valid проверяет, поддерживается ли формат.
func Valid(format string) bool {
	return format == FormatJSON || format == FormatCBOR
}

// Marshal сериализует v в указанном формате.
// Пустой формат означает JSON.
func Marshal(format string, v any) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal(v)
	case FormatCBOR:
		return encMode.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Unmarshal десериализует data в v.
func Unmarshal(format string, data []byte, v any) error {
	switch format {
	case FormatJSON, "":
		return json.Unmarshal(data, v)
	case FormatCBOR:
		return decMode.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Convert перекодирует данные из одного формата в другой.
func Convert(data []byte, from, to string) ([]byte, error) {
	if from == to {
		return data, nil
	}
	var v any
	if err := Unmarshal(from, data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", from, err)
	}
	return Marshal(to, v)
}

// DecodeMap декодирует данные в map[string]any.
// Пустые данные дают пустую map.
func DecodeMap(format string, data []byte) (map[string]any, error) {
	result := make(map[string]any)
	if len(data) == 0 {
		return result, nil
	}
	if err := Unmarshal(format, data, &result); err != nil {
		return nil, err
	}
	return result, nil
}
