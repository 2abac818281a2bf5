// Package store provides durable saga and timeout persisters backed by SQL
// databases (SQLite, PostgreSQL) or Redis.
package store

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

func encodeSaga(types *typeregistrypkg.Registry, s sagapkg.Saga) (string, []byte, error) {
	if s == nil || s.SagaID() == "" {
		return "", nil, fmt.Errorf("store: saga id is required")
	}
	types.Register(s)
	return types.Encode(s)
}

func decodeSaga(types *typeregistrypkg.Registry, typeName string, data []byte) (sagapkg.Saga, bool, error) {
	v, err := types.Decode(typeName, data)
	if err != nil {
		return nil, false, err
	}
	s, ok := v.(sagapkg.Saga)
	if !ok {
		return nil, false, fmt.Errorf("store: %s does not implement saga.Saga", typeName)
	}
	return s, true, nil
}

type timeoutRecord struct {
	ID         string
	TypeName   string
	Payload    []byte
	SagaID     string
	DurationNS int64
	CreatedNS  int64
	DueNS      int64
}

func (r timeoutRecord) message(types *typeregistrypkg.Registry) (*timeoutpkg.Message, error) {
	payload, err := types.Decode(r.TypeName, r.Payload)
	if err != nil {
		return nil, &timeoutpkg.UndecodableError{ID: r.ID, TypeName: r.TypeName, Err: err}
	}
	return &timeoutpkg.Message{
		ID:             r.ID,
		Duration:       time.Duration(r.DurationNS),
		Created:        time.Unix(0, r.CreatedNS).UTC(),
		At:             time.Unix(0, r.DueNS).UTC(),
		DelayedMessage: payload,
	}, nil
}

// payloadTypeName is the stored type name of v. Types this process never
// registered fall back to their default name, which is what another process
// registering them would have stored.
func payloadTypeName(types *typeregistrypkg.Registry, v any) (string, error) {
	name, err := types.Name(v)
	if errors.Is(err, typeregistrypkg.ErrUnknownType) {
		return typeregistrypkg.NameOf(reflect.TypeOf(v)), nil
	}
	return name, err
}
