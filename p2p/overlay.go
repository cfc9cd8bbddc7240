package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quarrynet/quarry/discovery"
)

const (
	// overlayEventQueueLen is the buffer size of the overlay's event
	// stream. Events beyond the buffer are dropped rather than blocking
	// the DHT's internals; the dropped peer surfaces again on a later
	// routing update.
	overlayEventQueueLen = 256

	// closestPeersTimeout bounds a single closest-peers query.
	closestPeersTimeout = 30 * time.Second
)

// DHTOverlay adapts a kademlia DHT plus the host's identify sub-protocol
// into the discovery engine's Overlay collaborator.
type DHTOverlay struct {
	started  int32 // atomic
	shutdown int32 // atomic

	host host.Host
	dht  *dht.IpfsDHT

	events chan discovery.OverlayEvent

	identifySub event.Subscription

	cancel context.CancelFunc
	ctx    context.Context

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDHTOverlay creates the production overlay over the passed host. The
// kademlia routing table's update hook and the host's identify events feed
// the overlay's event stream.
func NewDHTOverlay(h host.Host) (*DHTOverlay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	kad, err := dht.New(
		ctx, h, dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(DHTProtocolPrefix),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	o := &DHTOverlay{
		host:   h,
		dht:    kad,
		events: make(chan discovery.OverlayEvent, overlayEventQueueLen),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}

	// Chain the routing table's update hook so additions surface as
	// RoutingUpdated events without disturbing the DHT's own callback.
	rt := kad.RoutingTable()
	prevAdded := rt.PeerAdded
	rt.PeerAdded = func(p peer.ID) {
		if prevAdded != nil {
			prevAdded(p)
		}
		o.notifyRoutingUpdated(p)
	}

	return o, nil
}

// Start subscribes the overlay to the host's identify events.
func (o *DHTOverlay) Start() error {
	if atomic.AddInt32(&o.started, 1) != 1 {
		return nil
	}

	sub, err := o.host.EventBus().Subscribe(
		new(event.EvtPeerIdentificationCompleted),
	)
	if err != nil {
		return err
	}
	o.identifySub = sub

	o.wg.Add(1)
	go o.identifyHandler()

	return nil
}

// Stop tears the overlay down, joining its helper goroutines.
func (o *DHTOverlay) Stop() error {
	if atomic.AddInt32(&o.shutdown, 1) != 1 {
		return nil
	}

	close(o.quit)
	o.cancel()
	if o.identifySub != nil {
		o.identifySub.Close()
	}

	err := o.dht.Close()
	o.wg.Wait()

	return err
}

// AddAddress records an address for the passed peer within the peerstore and
// the kademlia routing table.
//
// This is part of the discovery.Overlay interface.
func (o *DHTOverlay) AddAddress(p peer.ID, addr ma.Multiaddr) {
	o.host.Peerstore().AddAddrs(
		p, []ma.Multiaddr{addr}, peerstore.PermanentAddrTTL,
	)

	if _, err := o.dht.RoutingTable().TryAddPeer(p, true, false); err != nil {
		log.Tracef("Unable to add %v to routing table: %v", p, err)
	}
}

// GetClosestPeers starts an iterative closest-peers query towards the passed
// target key. The query's outcome surfaces later as a QueryDone event; peers
// it discovers enter the stream through routing-table updates.
//
// This is part of the discovery.Overlay interface.
func (o *DHTOverlay) GetClosestPeers(target []byte) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(o.ctx, closestPeersTimeout)
		defer cancel()

		_, err := o.dht.GetClosestPeers(ctx, string(target))
		o.emit(&discovery.QueryDone{Err: err})
	}()
}

// Events is the overlay's event stream.
//
// This is part of the discovery.Overlay interface.
func (o *DHTOverlay) Events() <-chan discovery.OverlayEvent {
	return o.events
}

// notifyRoutingUpdated surfaces a routing-table addition, attaching the
// peer's currently known addresses.
func (o *DHTOverlay) notifyRoutingUpdated(p peer.ID) {
	addrs := o.host.Peerstore().Addrs(p)
	o.emit(&discovery.RoutingUpdated{Peer: p, Addresses: addrs})
}

// identifyHandler relays identify completions onto the overlay's event
// stream.
//
// NOTE: This method MUST be run as a goroutine.
func (o *DHTOverlay) identifyHandler() {
	defer o.wg.Done()

	for {
		select {
		case e, ok := <-o.identifySub.Out():
			if !ok {
				return
			}

			identified := e.(event.EvtPeerIdentificationCompleted)
			o.emit(&discovery.IdentifyReceived{
				Peer:        identified.Peer,
				ListenAddrs: identified.ListenAddrs,
			})

		case <-o.quit:
			return
		}
	}
}

// emit queues a single overlay event, dropping it if the consumer has
// fallen this far behind.
func (o *DHTOverlay) emit(e discovery.OverlayEvent) {
	select {
	case o.events <- e:
	case <-o.quit:
	default:
		log.Warnf("Overlay event queue full, dropping %T", e)
	}
}
