// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/buildd/internal/remote"
)

// memGroup delivers every dispatched message to all members, sender included,
// passing it through Codec the way a datagram would.
type memGroup struct {
	mu      sync.Mutex
	members []*memMember
	addr    remote.Address
}

type datagram struct {
	raw  []byte
	from remote.Address
}

type memMember struct {
	group    *memGroup
	addr     remote.Address
	inbox    chan datagram
	stopOnce sync.Once
	done     chan struct{}
}

func newMemGroup() *memGroup {
	return &memGroup{addr: remote.NewAddress("239.1.2.3", 7777)}
}

func (g *memGroup) join(port int) *memMember {
	m := &memMember{
		group: g,
		addr:  remote.NewAddress("127.0.0.1", port),
		inbox: make(chan datagram, 16),
		done:  make(chan struct{}),
	}
	g.mu.Lock()
	g.members = append(g.members, m)
	g.mu.Unlock()
	return m
}

func (m *memMember) Dispatch(msg *Message) error {
	var buf bytes.Buffer
	if err := (Codec{}).Encode(&buf, msg); err != nil {
		return err
	}
	m.group.mu.Lock()
	members := append([]*memMember(nil), m.group.members...)
	m.group.mu.Unlock()
	for _, peer := range members {
		select {
		case <-peer.done:
		case peer.inbox <- datagram{raw: buf.Bytes(), from: m.addr}:
		}
	}
	return nil
}

func (m *memMember) Receive() (*Message, error) {
	select {
	case <-m.done:
		return nil, io.EOF
	case d := <-m.inbox:
		return Codec{}.Decode(bytes.NewReader(d.raw), m.addr, d.from)
	}
}

func (m *memMember) RequestStop()                  { m.Stop() }
func (m *memMember) Stop()                         { m.stopOnce.Do(func() { close(m.done) }) }
func (m *memMember) LocalAddress() remote.Address  { return m.addr }
func (m *memMember) RemoteAddress() remote.Address { return m.group.addr }

func TestCodec_StampsProvenance(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Codec{}.Encode(&buf, &Message{Kind: KindAdvertisement, DaemonID: "d1", Port: 4000}))

	local := remote.NewAddress("0.0.0.0", 7777)
	sender := remote.NewAddress("10.0.0.9", 40000)
	msg, err := Codec{}.Decode(&buf, local, sender)
	require.NoError(t, err)
	assert.Equal(t, local, msg.Local)
	assert.Equal(t, sender, msg.Remote)
	assert.Equal(t, remote.NewAddress("10.0.0.9", 4000), msg.ControlAddress())

	msg.Host = "127.0.0.1"
	assert.Equal(t, remote.NewAddress("127.0.0.1", 4000), msg.ControlAddress())
}

func TestCodec_RejectsUnknownKind(t *testing.T) {
	raw, err := encMode.Marshal(&Message{Kind: Kind(9)})
	require.NoError(t, err)
	_, err = Codec{}.Decode(bytes.NewReader(raw), remote.Address{}, remote.Address{})
	require.Error(t, err)
}

func TestAnnouncerAnswersLocate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newMemGroup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i, id := range []string{"busy", "idle"} {
		busy := 3 - 3*i
		a := NewAnnouncer(g.join(5000+i), AnnouncerConfig{
			DaemonID: id,
			Control:  remote.NewAddress("127.0.0.1", 6000+i),
			Busy:     func() int { return busy },
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Run(ctx))
		}()
	}

	found, err := Locate(context.Background(), g.join(5999), 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "idle", found[0].DaemonID)
	assert.Equal(t, remote.NewAddress("127.0.0.1", 6001), found[0].ControlAddress())
	assert.Equal(t, "busy", found[1].DaemonID)

	cancel()
	wg.Wait()
}

func TestAnnouncerRateLimitsReplies(t *testing.T) {
	g := newMemGroup()
	daemonSide := g.join(5000)
	a := NewAnnouncer(daemonSide, AnnouncerConfig{DaemonID: "d", ReplyRate: 0.001, ReplyBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	client := g.join(5001)
	defer client.Stop()

	// Startup advertisement.
	msg, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, KindAdvertisement, msg.Kind)

	require.NoError(t, client.Dispatch(&Message{Kind: KindQuery}))
	require.NoError(t, client.Dispatch(&Message{Kind: KindQuery}))

	adverts := 0
	deadline := time.After(300 * time.Millisecond)
loop:
	for {
		recv := make(chan *Message, 1)
		go func() {
			m, err := client.Receive()
			if err == nil {
				recv <- m
			}
		}()
		select {
		case m := <-recv:
			if m.Kind == KindAdvertisement {
				adverts++
			}
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 1, adverts, "second query within the window must not be answered")

	cancel()
	require.NoError(t, <-done)
}
