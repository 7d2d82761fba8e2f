package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The messages in this package are encoded by hand with protowire.
// Field numbers are wire-stable.
//
//	message Envelope {
//	    RequestKind request_kind = 1;
//	    bytes correlation_id = 2;
//	    optional bytes payload = 3;
//	}
//
//	message MuxFrame {
//	    FrameType frame_type = 1;
//	    string address = 2;
//	    string to_address = 3;
//	    bytes payload = 4;
//	}

const (
	envelopeRequestKindField   protowire.Number = 1
	envelopeCorrelationIdField protowire.Number = 2
	envelopePayloadField       protowire.Number = 3

	frameTypeField      protowire.Number = 1
	frameAddressField   protowire.Number = 2
	frameToAddressField protowire.Number = 3
	framePayloadField   protowire.Number = 4
)

type Envelope struct {
	RequestKind   RequestKind
	CorrelationId []byte
	// nil when the envelope carries no payload
	Payload []byte
}

func (self *Envelope) GetRequestKind() RequestKind {
	if self == nil {
		return RequestKind_FireServer
	}
	return self.RequestKind
}

func (self *Envelope) GetCorrelationId() []byte {
	if self == nil {
		return nil
	}
	return self.CorrelationId
}

func (self *Envelope) GetPayload() []byte {
	if self == nil {
		return nil
	}
	return self.Payload
}

func (self *Envelope) HasPayload() bool {
	return self != nil && self.Payload != nil
}

func MarshalEnvelope(envelope *Envelope) []byte {
	b := make([]byte, 0, 24+len(envelope.CorrelationId)+len(envelope.Payload))
	b = protowire.AppendTag(b, envelopeRequestKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(envelope.RequestKind))
	b = protowire.AppendTag(b, envelopeCorrelationIdField, protowire.BytesType)
	b = protowire.AppendBytes(b, envelope.CorrelationId)
	if envelope.Payload != nil {
		b = protowire.AppendTag(b, envelopePayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, envelope.Payload)
	}
	return b
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envelopeRequestKindField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			envelope.RequestKind = RequestKind(int32(v))
			return n, nil
		case num == envelopeCorrelationIdField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			envelope.CorrelationId = append([]byte{}, v...)
			return n, nil
		case num == envelopePayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			envelope.Payload = append([]byte{}, v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

type MuxFrame struct {
	FrameType FrameType
	Address   string
	// set for FrameType_Move
	ToAddress string
	Payload   []byte
}

func (self *MuxFrame) GetFrameType() FrameType {
	if self == nil {
		return FrameType_Unknown
	}
	return self.FrameType
}

func (self *MuxFrame) GetAddress() string {
	if self == nil {
		return ""
	}
	return self.Address
}

func MarshalMuxFrame(frame *MuxFrame) []byte {
	b := make([]byte, 0, 16+len(frame.Address)+len(frame.ToAddress)+len(frame.Payload))
	b = protowire.AppendTag(b, frameTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.FrameType))
	b = protowire.AppendTag(b, frameAddressField, protowire.BytesType)
	b = protowire.AppendString(b, frame.Address)
	if frame.ToAddress != "" {
		b = protowire.AppendTag(b, frameToAddressField, protowire.BytesType)
		b = protowire.AppendString(b, frame.ToAddress)
	}
	if frame.Payload != nil {
		b = protowire.AppendTag(b, framePayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, frame.Payload)
	}
	return b
}

func UnmarshalMuxFrame(b []byte) (*MuxFrame, error) {
	frame := &MuxFrame{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			frame.FrameType = FrameType(int32(v))
			return n, nil
		case num == frameAddressField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			frame.Address = v
			return n, nil
		case num == frameToAddressField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			frame.ToAddress = v
			return n, nil
		case num == framePayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			frame.Payload = append([]byte{}, v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if frame.FrameType == FrameType_Unknown {
		return nil, errors.New("Mux frame is missing a frame type.")
	}
	return frame, nil
}

type fieldConsumer func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, consume fieldConsumer) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("Bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := consume(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("Bad field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
