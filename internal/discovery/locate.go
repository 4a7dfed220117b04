// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/metrics"
	"github.com/ManuGH/buildd/internal/remote"
)

// Locate multicasts a query and collects advertisements until wait elapses or ctx ends.
// Results are deduplicated by daemon id and sorted by busyness. conn is stopped on return.
func Locate(ctx context.Context, conn remote.Connection[*Message], wait time.Duration) ([]*Message, error) {
	defer conn.Stop()
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	stop := context.AfterFunc(ctx, conn.Stop)
	defer stop()

	if err := conn.Dispatch(&Message{Kind: KindQuery}); err != nil {
		metrics.RecordDatagram("sent", "error")
		return nil, fmt.Errorf("send discovery query: %w", err)
	}
	metrics.RecordDatagram("sent", "ok")

	logger := log.WithComponent("discovery")
	seen := make(map[string]*Message)
	for {
		msg, err := conn.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.RecordDatagram("received", resultOf(err))
			logger.Debug().Err(err).Msg("ignoring discovery datagram")
			continue
		}
		metrics.RecordDatagram("received", "ok")
		if msg.Kind != KindAdvertisement || msg.DaemonID == "" {
			continue
		}
		seen[msg.DaemonID] = msg
	}

	out := make([]*Message, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Busy != out[j].Busy {
			return out[i].Busy < out[j].Busy
		}
		return out[i].DaemonID < out[j].DaemonID
	})
	return out, nil
}
