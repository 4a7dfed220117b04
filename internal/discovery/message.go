// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package discovery advertises and locates daemons over a multicast group.
//
// A client multicasts a Query; every daemon in the group answers with an
// Advertisement naming its control endpoint. Daemons also advertise once on start.
package discovery

import (
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/ManuGH/buildd/internal/remote"
)

// Kind distinguishes discovery datagrams.
type Kind uint8

const (
	KindQuery Kind = iota + 1
	KindAdvertisement
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindAdvertisement:
		return "advertisement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one discovery datagram. Local and Remote are stamped on receipt.
type Message struct {
	Kind     Kind   `cbor:"1,keyasint"`
	DaemonID string `cbor:"2,keyasint,omitempty"`
	Version  string `cbor:"3,keyasint,omitempty"`
	Host     string `cbor:"4,keyasint,omitempty"`
	Port     int    `cbor:"5,keyasint,omitempty"`
	Pid      int    `cbor:"6,keyasint,omitempty"`
	Busy     int    `cbor:"7,keyasint,omitempty"`

	Local  remote.Address `cbor:"-"`
	Remote remote.Address `cbor:"-"`
}

// ControlAddress returns the advertised control endpoint. An unspecified host is
// replaced with the sender's address.
func (m *Message) ControlAddress() remote.Address {
	host := m.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = m.Remote.Host
	}
	return remote.NewAddress(host, m.Port)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("discovery: cbor enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{MaxNestedLevels: 4}).DecMode(); err != nil {
		panic(fmt.Sprintf("discovery: cbor dec mode: %v", err))
	}
}

// Codec encodes discovery messages as CBOR and stamps provenance on decode.
type Codec struct{}

var _ remote.Codec[*Message] = Codec{}

func (Codec) Encode(w io.Writer, msg *Message) error {
	raw, err := encMode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	_, err = w.Write(raw)
	return err
}

func (Codec) Decode(r io.Reader, local, peer remote.Address) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := decMode.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode discovery message: %w", err)
	}
	if msg.Kind != KindQuery && msg.Kind != KindAdvertisement {
		return nil, fmt.Errorf("decode discovery message: unknown %s", msg.Kind)
	}
	msg.Local = local
	msg.Remote = peer
	return msg, nil
}
