package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeCodec(t *testing.T) {
	correlationId := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}

	for kind := range RequestKind_name {
		envelope := &Envelope{
			RequestKind:   kind,
			CorrelationId: correlationId,
			Payload:       []byte("payload"),
		}
		decoded, err := UnmarshalEnvelope(MarshalEnvelope(envelope))
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded.GetRequestKind(), kind)
		assert.Equal(t, decoded.GetCorrelationId(), correlationId)
		assert.Equal(t, decoded.GetPayload(), []byte("payload"))
		assert.Equal(t, decoded.HasPayload(), true)
	}

	// no payload stays absent
	decoded, err := UnmarshalEnvelope(MarshalEnvelope(&Envelope{
		RequestKind:   RequestKind_ChildAdded,
		CorrelationId: correlationId,
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.HasPayload(), false)

	// an empty payload is still present
	decoded, err = UnmarshalEnvelope(MarshalEnvelope(&Envelope{
		RequestKind:   RequestKind_ChildAdded,
		CorrelationId: correlationId,
		Payload:       []byte{},
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.HasPayload(), true)
	assert.Equal(t, len(decoded.GetPayload()), 0)
}

func TestEnvelopeUnknownKind(t *testing.T) {
	decoded, err := UnmarshalEnvelope(MarshalEnvelope(&Envelope{
		RequestKind:   RequestKind(99),
		CorrelationId: []byte{0x01},
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.GetRequestKind().IsValid(), false)
	assert.Equal(t, decoded.GetRequestKind().String(), "RequestKind(99)")
	assert.Equal(t, RequestKind_UpdateTag.String(), "UpdateTag")
}

func TestEnvelopeMalformed(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{0xff, 0xff, 0xff})
	assert.NotEqual(t, err, nil)

	// truncated bytes field
	b := MarshalEnvelope(&Envelope{
		RequestKind:   RequestKind_FireClient,
		CorrelationId: []byte{0x01, 0x02, 0x03},
		Payload:       []byte("hello"),
	})
	_, err = UnmarshalEnvelope(b[:len(b)-2])
	assert.NotEqual(t, err, nil)
}

func TestMuxFrameCodec(t *testing.T) {
	frame := &MuxFrame{
		FrameType: FrameType_Move,
		Address:   "Remote/Net/Event",
		ToAddress: "Remote/Other/Event",
	}
	decoded, err := UnmarshalMuxFrame(MarshalMuxFrame(frame))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, frame)

	frame = &MuxFrame{
		FrameType: FrameType_Data,
		Address:   "Remote/Net",
		Payload:   []byte{0x00, 0x01},
	}
	decoded, err = UnmarshalMuxFrame(MarshalMuxFrame(frame))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, frame)
	assert.Equal(t, decoded.GetFrameType().String(), "Data")

	_, err = UnmarshalMuxFrame([]byte{})
	assert.NotEqual(t, err, nil)
}
