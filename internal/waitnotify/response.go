package waitnotify

import (
	"fmt"

	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
)

// responseFormat — формат хранения ответов.
const responseFormat = codec.FormatCBOR

// envelope — tagged union для хранения ResponseData.
type envelope struct {
	Kind domain.ResponseKind `cbor:"kind" json:"kind"`
	Data []byte              `cbor:"data" json:"data"`
}

// EncodeResponse сериализует ответ вместе с дискриминатором.
func EncodeResponse(resp domain.ResponseData) ([]byte, error) {
	data, err := codec.Marshal(responseFormat, resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", resp.ResponseKind(), err)
	}
	return codec.Marshal(responseFormat, envelope{Kind: resp.ResponseKind(), Data: data})
}

// DecodeResponse восстанавливает ответ по дискриминатору.
func DecodeResponse(format string, payload []byte) (domain.ResponseData, error) {
	var env envelope
	if err := codec.Unmarshal(format, payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		resp domain.ResponseData
		err  error
	)

	switch env.Kind {
	case domain.ResponseKindTask:
		var r domain.TaskResponse
		err = codec.Unmarshal(format, env.Data, &r)
		resp = r
	case domain.ResponseKindStepNotify:
		var r domain.StepNotify
		err = codec.Unmarshal(format, env.Data, &r)
		resp = r
	case domain.ResponseKindError:
		var r domain.ErrorResponse
		err = codec.Unmarshal(format, env.Data, &r)
		resp = r
	case domain.ResponseKindConstraint:
		var r domain.ConstraintResponse
		err = codec.Unmarshal(format, env.Data, &r)
		resp = r
	case domain.ResponseKindCallback:
		var r domain.CallbackResponse
		err = codec.Unmarshal(format, env.Data, &r)
		resp = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseKind, env.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", env.Kind, err)
	}
	return resp, nil
}
