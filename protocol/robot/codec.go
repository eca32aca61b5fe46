package robot

import (
	"github.com/pkg/errors"

	"github.com/Zereker/communicator"
)

// Codec frames robot messages.
type Codec struct {
	communicator.PayloadDecoder
	communicator.PayloadEncoder
}

// NewCodec returns a codec using the robot message table.
func NewCodec() *Codec {
	table := NewTable()
	return &Codec{
		PayloadDecoder: communicator.PayloadDecoder{Mapper: table},
		PayloadEncoder: communicator.PayloadEncoder{Mapper: table},
	}
}

// DecodeMessage skips to the next header and decodes one frame once it is
// complete. An unknown id consumes the header and id so decoding resumes
// after them.
func (c *Codec) DecodeMessage(buf *communicator.RingBuffer) (communicator.Message, error) {
	for buf.ContentSize() > 0 {
		b, err := buf.Peek(0)
		if err != nil || b == Header {
			break
		}
		if err := buf.Consume(1); err != nil {
			return nil, err
		}
	}
	if buf.ContentSize() < 2 {
		return nil, nil
	}

	id, err := buf.Peek(1)
	if err != nil {
		return nil, err
	}
	size, ok := payloadSizes[id]
	if !ok {
		if err := buf.Consume(2); err != nil {
			return nil, err
		}
		return nil, &communicator.UndefinedMessageIDError{ID: []byte{id}}
	}
	if buf.ContentSize() < 2+size {
		return nil, nil
	}

	frame, err := buf.Read(2 + size)
	if err != nil {
		return nil, err
	}
	m, err := c.DecodePayload(frame[1:2], frame, 2, size)
	if err != nil {
		return nil, errors.Wrapf(err, "robot frame % x", frame)
	}
	return m, nil
}

// EncodeMessage frames m as header, id and payload.
func (c *Codec) EncodeMessage(m communicator.Message) ([]byte, error) {
	data, err := c.Encode(m, func(id, payload []byte) []byte {
		out := make([]byte, 0, 1+len(id)+len(payload))
		out = append(out, Header)
		out = append(out, id...)
		return append(out, payload...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode robot message")
	}
	return data, nil
}
