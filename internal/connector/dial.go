// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package connector

import (
	"context"
	"fmt"
	"net"

	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/remote"
)

// Dial opens a control connection to a daemon.
func Dial(ctx context.Context, addr remote.Address) (*remote.StreamConnection[protocol.Message], error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", addr, err)
	}
	return remote.NewStreamConnection[protocol.Message](nc, protocol.Codec{}), nil
}
