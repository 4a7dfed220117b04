// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/metrics"
	"github.com/ManuGH/buildd/internal/remote"
)

// AnnouncerConfig describes the advertising daemon.
type AnnouncerConfig struct {
	DaemonID string
	Version  string
	Control  remote.Address
	Pid      int
	// Busy reports the number of active sessions. Optional.
	Busy func() int
	// ReplyRate bounds answers to queries per second. Zero means unlimited.
	ReplyRate  float64
	ReplyBurst int
}

// Announcer answers discovery queries on a group channel.
type Announcer struct {
	conn    remote.Connection[*Message]
	cfg     AnnouncerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewAnnouncer takes ownership of conn.
func NewAnnouncer(conn remote.Connection[*Message], cfg AnnouncerConfig) *Announcer {
	limit := rate.Inf
	if cfg.ReplyRate > 0 {
		limit = rate.Limit(cfg.ReplyRate)
	}
	burst := cfg.ReplyBurst
	if burst <= 0 {
		burst = 1
	}
	return &Announcer{
		conn:    conn,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger: log.WithComponent("discovery").With().
			Str(log.FieldDaemonID, cfg.DaemonID).
			Str(log.FieldGroup, conn.RemoteAddress().String()).
			Logger(),
	}
}

func (a *Announcer) advertisement() *Message {
	m := &Message{
		Kind:     KindAdvertisement,
		DaemonID: a.cfg.DaemonID,
		Version:  a.cfg.Version,
		Host:     a.cfg.Control.Host,
		Port:     a.cfg.Control.Port,
		Pid:      a.cfg.Pid,
	}
	if a.cfg.Busy != nil {
		m.Busy = a.cfg.Busy()
	}
	return m
}

func (a *Announcer) advertise() {
	if err := a.conn.Dispatch(a.advertisement()); err != nil {
		metrics.RecordDatagram("sent", "error")
		a.logger.Warn().Err(err).Str(log.FieldEvent, "discovery.advertise_failed").Msg("could not send advertisement")
		return
	}
	metrics.RecordDatagram("sent", "ok")
}

// Run advertises once, then answers queries until ctx is cancelled or the channel stops.
// The channel is stopped on return.
func (a *Announcer) Run(ctx context.Context) error {
	defer a.conn.Stop()
	stop := context.AfterFunc(ctx, a.conn.Stop)
	defer stop()

	a.logger.Info().
		Str(log.FieldEvent, "discovery.started").
		Str("control", a.cfg.Control.String()).
		Msg("announcing daemon")
	a.advertise()

	for {
		msg, err := a.conn.Receive()
		if errors.Is(err, io.EOF) {
			a.logger.Debug().Str(log.FieldEvent, "discovery.stopped").Msg("announcer stopped")
			return nil
		}
		if err != nil {
			metrics.RecordDatagram("received", resultOf(err))
			a.logger.Warn().Err(err).Msg("discarding discovery datagram")
			continue
		}
		metrics.RecordDatagram("received", "ok")

		switch msg.Kind {
		case KindQuery:
			if !a.limiter.Allow() {
				metrics.RecordDatagram("sent", "rate_limited")
				continue
			}
			a.logger.Debug().Str(log.FieldPeer, msg.Remote.String()).Msg("answering discovery query")
			a.advertise()
		case KindAdvertisement:
			if msg.DaemonID != a.cfg.DaemonID {
				a.logger.Debug().
					Str("other_daemon", msg.DaemonID).
					Str(log.FieldPeer, msg.ControlAddress().String()).
					Msg("observed peer daemon")
			}
		}
	}
}

func resultOf(err error) string {
	if errors.Is(err, remote.ErrMessageTooLarge) {
		return "oversized"
	}
	return "error"
}
