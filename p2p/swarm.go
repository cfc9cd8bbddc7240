package p2p

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quarrynet/quarry/headerswitch"
	"github.com/quarrynet/quarry/qwire"
)

// SwarmConfig houses the tunable knobs of the production swarm.
type SwarmConfig struct {
	// SubstreamTimeout bounds idle time between successive frames of a
	// session substream. Zero selects the switch's default.
	SubstreamTimeout time.Duration

	// MaxPendingQueriesPerPeer bounds the per-peer buffer of queries
	// awaiting a dial. Zero selects the switch's default.
	MaxPendingQueriesPerPeer int
}

// Swarm joins the libp2p host with a header switch, implementing the
// manager's session-routing collaborator: dials and substreams map onto the
// host, connection lifecycle notifications and accepted substreams feed the
// switch.
type Swarm struct {
	started  int32 // atomic
	shutdown int32 // atomic

	host    host.Host
	overlay *DHTOverlay
	sw      *headerswitch.Switch

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSwarm creates the production swarm over the passed host and overlay.
func NewSwarm(h host.Host, overlay *DHTOverlay,
	cfg SwarmConfig) (*Swarm, error) {

	ctx, cancel := context.WithCancel(context.Background())

	s := &Swarm{
		host:    h,
		overlay: overlay,
		ctx:     ctx,
		cancel:  cancel,
	}

	sw, err := headerswitch.New(headerswitch.Config{
		DialPeer: func(p peer.ID) error {
			return h.Connect(ctx, peer.AddrInfo{
				ID:    p,
				Addrs: h.Peerstore().Addrs(p),
			})
		},
		OpenStream: func(p peer.ID) (headerswitch.Stream, error) {
			stream, err := h.NewStream(ctx, p, ProtocolID)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
		SubstreamTimeout:         cfg.SubstreamTimeout,
		MaxPendingQueriesPerPeer: cfg.MaxPendingQueriesPerPeer,
		Clock:                    clock.NewDefaultClock(),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.sw = sw

	return s, nil
}

// Start wires the swarm into the host and launches the switch.
func (s *Swarm) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	if err := s.sw.Start(); err != nil {
		return err
	}

	s.host.SetStreamHandler(ProtocolID, func(stream network.Stream) {
		s.sw.HandleStream(stream.Conn().RemotePeer(), stream)
	})

	s.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			s.sw.PeerConnected(conn.RemotePeer())
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			s.sw.PeerDisconnected(conn.RemotePeer())
		},
	})

	log.Infof("Swarm serving %v on %v", ProtocolID,
		s.host.Network().ListenAddresses())

	return nil
}

// Stop detaches the swarm from the host and tears the switch down.
func (s *Swarm) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	s.host.RemoveStreamHandler(ProtocolID)
	s.cancel()

	return s.sw.Stop()
}

// SendQuery opens a fresh outbound session towards the passed peer.
//
// This is part of the quarry.Swarm interface.
func (s *Swarm) SendQuery(query qwire.BlockQuery,
	p peer.ID) (headerswitch.OutboundSessionID, error) {

	return s.sw.SendQuery(query, p)
}

// SendData forwards a data item on the passed inbound session.
//
// This is part of the quarry.Swarm interface.
func (s *Swarm) SendData(data qwire.Data,
	id headerswitch.InboundSessionID) error {

	return s.sw.SendData(data, id)
}

// AddPeer records a discovered peer within the overlay's routing knowledge.
//
// This is part of the quarry.Swarm interface.
func (s *Swarm) AddPeer(p peer.ID, addr ma.Multiaddr) {
	s.overlay.AddAddress(p, addr)
}

// Events is the stream of session events surfaced by the switch.
//
// This is part of the quarry.Swarm interface.
func (s *Swarm) Events() <-chan headerswitch.Event {
	return s.sw.Events()
}
