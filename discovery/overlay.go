package discovery

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerAddr couples a peer's identity with one of its network addresses. This
// is the unit emitted on the discovery stream.
type PeerAddr struct {
	// ID is the peer's stable identity.
	ID peer.ID

	// Addr is an address the peer is reachable on. Addresses emitted by
	// the discoverer never carry a trailing peer-id tag component.
	Addr ma.Multiaddr
}

// OverlayEvent is a single event surfaced by the structured overlay. It is a
// closed union of the variants below, exhaustively matched by the discovery
// loop.
type OverlayEvent interface {
	// isOverlayEvent is a marker method sealing the union.
	isOverlayEvent()
}

// RoutingUpdated signals that a peer was added to, or updated within, the
// overlay's routing table.
type RoutingUpdated struct {
	// Peer is the routed peer.
	Peer peer.ID

	// Addresses are the peer's known addresses, most preferred first.
	Addresses []ma.Multiaddr
}

func (*RoutingUpdated) isOverlayEvent() {}

// RoutablePeer signals that a connection surfaced a peer eligible for
// routing.
type RoutablePeer struct {
	// Peer is the routable peer.
	Peer peer.ID

	// Address is the address the peer surfaced on.
	Address ma.Multiaddr
}

func (*RoutablePeer) isOverlayEvent() {}

// PendingRoutablePeer signals that a peer is queued for insertion into a
// currently full routing-table bucket.
type PendingRoutablePeer struct {
	// Peer is the pending peer.
	Peer peer.ID

	// Address is the address the peer surfaced on.
	Address ma.Multiaddr
}

func (*PendingRoutablePeer) isOverlayEvent() {}

// QueryDone signals that an outstanding closest-peers query finished, with or
// without success. Query results themselves are not carried: peers enter the
// discovery stream through the routing-table events the query produces.
type QueryDone struct {
	// Err is the query's failure, if it had one.
	Err error
}

func (*QueryDone) isOverlayEvent() {}

// IdentifyReceived signals that the identify sub-protocol completed with a
// peer, reporting the addresses it listens on.
type IdentifyReceived struct {
	// Peer is the identified peer.
	Peer peer.ID

	// ListenAddrs are the listen addresses the peer reported.
	ListenAddrs []ma.Multiaddr
}

func (*IdentifyReceived) isOverlayEvent() {}

// Overlay is the structured-overlay collaborator the discoverer drives. The
// production implementation wraps a kademlia DHT; tests supply an in-process
// mock.
type Overlay interface {
	// AddAddress records an address for the passed peer within the
	// overlay's routing state. This is the only sanctioned path for new
	// addresses to enter routing.
	AddAddress(p peer.ID, addr ma.Multiaddr)

	// GetClosestPeers starts an iterative closest-peers query towards the
	// passed target key. The call must not block: the query's outcome
	// arrives later as a QueryDone event.
	GetClosestPeers(target []byte)

	// Events is the overlay's event stream.
	Events() <-chan OverlayEvent
}
