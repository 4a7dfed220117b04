// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/ManuGH/buildd/internal/remote"
)

// ErrUnknownMessage is returned when a payload carries an unrecognised kind.
var ErrUnknownMessage = errors.New("unknown message kind")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 32,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
}

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Codec serializes control connection messages as CBOR envelopes.
type Codec struct{}

var _ remote.Codec[Message] = Codec{}

// Encode writes msg to w.
func (Codec) Encode(w io.Writer, msg Message) error {
	if msg == nil {
		return fmt.Errorf("encode: nil message")
	}
	body, err := encMode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	raw, err := encMode.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", msg.Kind(), err)
	}
	_, err = w.Write(raw)
	return err
}

// Decode reads one message from r. Commands are stamped with the remote address.
func (Codec) Decode(r io.Reader, _, peer remote.Address) (Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindBuild:
		msg = &Build{}
	case KindStop:
		msg = &Stop{}
	case KindOutputEvent:
		msg = &OutputEvent{}
	case KindCommandComplete:
		msg = &CommandComplete{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, env.Kind)
	}
	if err := decMode.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}

	switch m := msg.(type) {
	case *Build:
		m.Origin = peer
	case *Stop:
		m.Origin = peer
	}
	return msg, nil
}
