package transport

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

// Codec converts envelopes to Watermill messages and back. Payload types
// must be registered with the type registry on both sides of the hop.
type Codec struct {
	types *typeregistrypkg.Registry
}

func NewCodec(types *typeregistrypkg.Registry) *Codec {
	if types == nil {
		types = typeregistrypkg.New()
	}
	return &Codec{types: types}
}

// Marshal encodes e. The message UUID is the envelope id.
func (c *Codec) Marshal(e *envelopepkg.Envelope) (*message.Message, error) {
	if e.IsNull() {
		return nil, fmt.Errorf("transport: cannot marshal the null envelope")
	}
	name, data, err := c.types.Encode(e.Payload())
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(e.Header.ID, data)
	msg.Metadata = metadatapkg.ToWatermill(
		metadatapkg.FromHeader(e.Header).With(metadatapkg.KeyPayloadType, name),
	)
	return msg, nil
}

// Unmarshal decodes msg. A message without an id header takes its UUID.
func (c *Codec) Unmarshal(msg *message.Message) (*envelopepkg.Envelope, error) {
	md := metadatapkg.FromWatermill(msg.Metadata)
	name := md[metadatapkg.KeyPayloadType]
	if name == "" {
		return nil, fmt.Errorf("transport: message %s has no %s header", msg.UUID, metadatapkg.KeyPayloadType)
	}
	payload, err := c.types.Decode(name, msg.Payload)
	if err != nil {
		return nil, err
	}
	header, err := md.Header()
	if err != nil {
		return nil, fmt.Errorf("transport: message %s: %w", msg.UUID, err)
	}

	e := envelopepkg.New(payload)
	if header.ID == "" {
		header.ID = msg.UUID
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = e.Header.CreatedAt
	}
	e.Header = header
	return e, nil
}
