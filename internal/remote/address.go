// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"fmt"
	"net"
	"strconv"
)

// Address identifies one side of a connection. It is a comparable value type.
type Address struct {
	Host string
	Port int
}

// NewAddress returns the address for host and port.
func NewAddress(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses a "host:port" string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port %q", s, portStr)
	}
	return Address{Host: host, Port: port}, nil
}

// AddressOf converts a net.Addr into an Address. Unknown address types yield the zero Address.
func AddressOf(a net.Addr) Address {
	switch v := a.(type) {
	case *net.TCPAddr:
		return Address{Host: ipString(v.IP), Port: v.Port}
	case *net.UDPAddr:
		return Address{Host: ipString(v.IP), Port: v.Port}
	case nil:
		return Address{}
	default:
		if parsed, err := ParseAddress(a.String()); err == nil {
			return parsed
		}
		return Address{}
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// String renders the address as "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// UDPAddr resolves the address for datagram use.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", a.String())
}
