package remote

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BazirGames/Remote/protocol"
)

// Envelope payloads are the argument list encoded as json (a `google.protobuf.ListValue`)
// and then compressed. Arguments are json-like values: nil, bool, numbers, string,
// []any and map[string]any. Numbers decode as float64.

func compress(b []byte) []byte {
	return s2.Encode(nil, b)
}

func decompress(b []byte) ([]byte, error) {
	return s2.Decode(nil, b)
}

func jsonEncode(args []any) ([]byte, error) {
	list, err := structpb.NewList(args)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(list)
}

func jsonDecode(b []byte) ([]any, error) {
	list := &structpb.ListValue{}
	if err := protojson.Unmarshal(b, list); err != nil {
		return nil, err
	}
	return list.AsSlice(), nil
}

// normalizes a value to the form it has after a round trip through the codec
func normalizeValue(value any) (any, error) {
	v, err := structpb.NewValue(value)
	if err != nil {
		return nil, err
	}
	return v.AsInterface(), nil
}

// an empty argument list is sent without a payload
func EncodeEnvelope(requestKind protocol.RequestKind, correlationId Id, args []any) ([]byte, error) {
	envelope := &protocol.Envelope{
		RequestKind:   requestKind,
		CorrelationId: correlationId.Bytes(),
	}
	if 0 < len(args) {
		argsJson, err := jsonEncode(args)
		if err != nil {
			return nil, fmt.Errorf("Unrepresentable arguments: %w", err)
		}
		envelope.Payload = compress(argsJson)
	}
	return protocol.MarshalEnvelope(envelope), nil
}

// Returns an error wrapping `ErrProtocolViolation` when the envelope itself cannot be read.
// When only the payload cannot be read, the kind and id are returned with empty args
// and an error wrapping `ErrDecodeFailure`.
func DecodeEnvelope(message []byte) (requestKind protocol.RequestKind, correlationId Id, args []any, err error) {
	envelope, unmarshalErr := protocol.UnmarshalEnvelope(message)
	if unmarshalErr != nil {
		err = fmt.Errorf("%w: bad envelope: %s", ErrProtocolViolation, unmarshalErr)
		return
	}
	correlationId, idErr := IdFromBytes(envelope.GetCorrelationId())
	if idErr != nil {
		err = fmt.Errorf("%w: bad correlation id: %s", ErrProtocolViolation, idErr)
		return
	}
	requestKind = envelope.GetRequestKind()
	args = []any{}
	if !envelope.HasPayload() {
		return
	}
	argsJson, decompressErr := decompress(envelope.GetPayload())
	if decompressErr != nil {
		err = fmt.Errorf("%w: %s", ErrDecodeFailure, decompressErr)
		return
	}
	decodedArgs, decodeErr := jsonDecode(argsJson)
	if decodeErr != nil {
		err = fmt.Errorf("%w: %s", ErrDecodeFailure, decodeErr)
		return
	}
	args = decodedArgs
	return
}
