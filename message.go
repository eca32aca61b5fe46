package communicator

import (
	"bytes"
	"fmt"
	"sync"
)

// MessageType tags a message kind independently of its wire identifier.
type MessageType string

// Message is a typed unit of application data exchanged over the wire.
// A decoded message is constructed fresh and treated as immutable.
type Message interface {
	// MessageType returns the stable type tag used to look up the wire id.
	MessageType() MessageType
	// EncodePayload serializes the message body without framing.
	EncodePayload() ([]byte, error)
	// DecodePayload fills the message from its body bytes.
	DecodePayload(data []byte) error
	// Description returns a human-readable form for diagnostics.
	Description() string
}

// IDMapper maps message types to wire identifiers and back.
type IDMapper interface {
	// MessageID returns the wire id of a message type.
	MessageID(t MessageType) ([]byte, bool)
	// NewMessage returns a fresh, empty message for a wire id.
	NewMessage(id []byte) (Message, bool)
}

// Decoder turns buffered bytes into messages.
//
// DecodeMessage examines the buffer and returns (nil, nil) when a complete
// frame is not available yet. On a complete frame it consumes exactly the
// frame's bytes. When it returns an error it must still make progress by
// consuming or skipping the offending bytes.
type Decoder interface {
	DecodeMessage(buf *RingBuffer) (Message, error)
}

// Encoder turns a message into framed wire bytes.
type Encoder interface {
	EncodeMessage(m Message) ([]byte, error)
}

// Codec is the encoder and decoder pair of one protocol.
type Codec interface {
	Decoder
	Encoder
}

type tableEntry struct {
	id    []byte
	t     MessageType
	newFn func() Message
}

// MessageTable is an IDMapper backed by explicit registrations.
// Every registered type has exactly one id and every id one type.
//
// It is safe for concurrent use.
type MessageTable struct {
	mu     sync.RWMutex
	byID   map[string]*tableEntry
	byType map[MessageType]*tableEntry
}

// NewMessageTable creates an empty message table.
func NewMessageTable() *MessageTable {
	return &MessageTable{
		byID:   make(map[string]*tableEntry),
		byType: make(map[MessageType]*tableEntry),
	}
}

// Register binds a wire id to a message type and its constructor.
func (t *MessageTable) Register(id []byte, mt MessageType, newFn func() Message) error {
	if len(id) == 0 || newFn == nil {
		return fmt.Errorf("%w: empty id or constructor for %s", ErrInstantiation, mt)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(id)
	if _, ok := t.byID[key]; ok {
		return fmt.Errorf("%w: id % x", ErrDuplicateMessageID, id)
	}
	if _, ok := t.byType[mt]; ok {
		return fmt.Errorf("%w: type %s", ErrDuplicateMessageID, mt)
	}

	e := &tableEntry{id: bytes.Clone(id), t: mt, newFn: newFn}
	t.byID[key] = e
	t.byType[mt] = e
	return nil
}

// MustRegister is Register that panics, for static protocol tables.
func (t *MessageTable) MustRegister(id []byte, mt MessageType, newFn func() Message) {
	if err := t.Register(id, mt, newFn); err != nil {
		panic(err)
	}
}

// MessageID implements IDMapper.
func (t *MessageTable) MessageID(mt MessageType) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byType[mt]
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.id), true
}

// NewMessage implements IDMapper.
func (t *MessageTable) NewMessage(id []byte) (Message, bool) {
	t.mu.RLock()
	e, ok := t.byID[string(id)]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return e.newFn(), true
}

// Len returns the number of registered types.
func (t *MessageTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byType)
}

// PayloadDecoder is embedded by concrete decoders to turn an identified
// frame body into a message.
type PayloadDecoder struct {
	Mapper IDMapper
}

// DecodePayload resolves id to a message type, instantiates it and decodes
// data[start:start+length] into it.
func (d PayloadDecoder) DecodePayload(id []byte, data []byte, start, length int) (Message, error) {
	if d.Mapper == nil {
		return nil, fmt.Errorf("%w: no id mapper", ErrInstantiation)
	}
	if start < 0 || length < 0 || start+length > len(data) {
		return nil, fmt.Errorf("%w: payload window %d+%d of %d", ErrOutOfBounds, start, length, len(data))
	}

	m, ok := d.Mapper.NewMessage(id)
	if !ok {
		return nil, &UndefinedMessageIDError{ID: bytes.Clone(id)}
	}
	if m == nil {
		return nil, fmt.Errorf("%w: message for id % x", ErrInstantiation, id)
	}

	payload := data[start : start+length]
	if err := m.DecodePayload(payload); err != nil {
		return nil, &DecodeError{Type: m.MessageType(), Payload: bytes.Clone(payload), Err: err}
	}
	return m, nil
}

// PayloadEncoder is embedded by concrete encoders to resolve wire ids.
type PayloadEncoder struct {
	Mapper IDMapper
}

// Encode resolves the message's wire id, serializes its payload and lets
// frame add the protocol header around them.
func (e PayloadEncoder) Encode(m Message, frame func(id, payload []byte) []byte) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if e.Mapper == nil {
		return nil, fmt.Errorf("%w: no id mapper", ErrUndefinedMessageType)
	}

	id, ok := e.Mapper.MessageID(m.MessageType())
	if !ok {
		return nil, &EncodeError{Description: m.Description(), Err: ErrUndefinedMessageType}
	}

	payload, err := m.EncodePayload()
	if err != nil {
		return nil, &EncodeError{Description: m.Description(), Err: err}
	}
	return frame(id, payload), nil
}
