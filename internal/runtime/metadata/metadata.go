// Package metadata maps envelope headers onto the flat string metadata that
// travels with a transport message.
package metadata

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
)

// Reserved keys. Envelope properties using them are dropped on the wire.
const (
	KeyID             = "flowbus_id"
	KeyCorrelationID  = "correlation_id"
	KeyReplyChannel   = "flowbus_reply_channel"
	KeySequenceNumber = "flowbus_sequence_number"
	KeySequenceSize   = "flowbus_sequence_size"
	KeyCreatedAt      = "flowbus_created_at"
	// KeyPayloadType holds the type registry name of the payload.
	KeyPayloadType = "event_message_schema"
)

var reserved = map[string]struct{}{
	KeyID:             {},
	KeyCorrelationID:  {},
	KeyReplyChannel:   {},
	KeySequenceNumber: {},
	KeySequenceSize:   {},
	KeyCreatedAt:      {},
	KeyPayloadType:    {},
}

// IsReserved reports whether key carries header data.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. It is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	maps.Copy(cloned, m)
	return cloned
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// FromHeader flattens h. Empty fields are omitted.
func FromHeader(h envelopepkg.Header) Metadata {
	md := make(Metadata, len(h.Properties)+6)
	for k, v := range h.Properties {
		if !IsReserved(k) {
			md[k] = v
		}
	}
	set := func(key, value string) {
		if value != "" {
			md[key] = value
		}
	}
	set(KeyID, h.ID)
	set(KeyCorrelationID, h.CorrelationID)
	set(KeyReplyChannel, h.ReplyChannel)
	if h.SequenceSize > 0 {
		md[KeySequenceNumber] = strconv.Itoa(h.SequenceNumber)
		md[KeySequenceSize] = strconv.Itoa(h.SequenceSize)
	}
	if !h.CreatedAt.IsZero() {
		md[KeyCreatedAt] = h.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return md
}

// Header rebuilds an envelope header. Keys that are not reserved become
// properties.
func (m Metadata) Header() (envelopepkg.Header, error) {
	h := envelopepkg.Header{
		ID:            m[KeyID],
		CorrelationID: m[KeyCorrelationID],
		ReplyChannel:  m[KeyReplyChannel],
		Properties:    make(map[string]string),
	}
	for k, v := range m {
		if !IsReserved(k) {
			h.Properties[k] = v
		}
	}

	var err error
	if h.SequenceNumber, err = atoi(m, KeySequenceNumber); err != nil {
		return h, err
	}
	if h.SequenceSize, err = atoi(m, KeySequenceSize); err != nil {
		return h, err
	}
	if raw := m[KeyCreatedAt]; raw != "" {
		if h.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return h, fmt.Errorf("metadata %s: %w", KeyCreatedAt, err)
		}
	}
	return h, nil
}

func atoi(m Metadata, key string) (int, error) {
	raw := m[key]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return n, nil
}

// FromWatermill converts Watermill metadata into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	maps.Copy(result, md)
	return result
}

// ToWatermill converts Metadata into a Watermill map.
func ToWatermill(m Metadata) message.Metadata {
	wm := make(message.Metadata, len(m))
	maps.Copy(wm, m)
	return wm
}
