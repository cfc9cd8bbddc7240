package discovery

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/ticker"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// DefaultNActiveQueries is the default number of concurrently
	// outstanding closest-peers queries.
	DefaultNActiveQueries = 1

	// DefaultQueryInterval is the default pace at which replacement
	// closest-peers queries are issued.
	DefaultQueryInterval = 5 * time.Second

	// targetKeySize is the size in bytes of a closest-peers query target.
	targetKeySize = 32

	// peerStreamQueueLen is the buffer size of the discovered-peers
	// stream.
	peerStreamQueueLen = 16
)

// Config houses the tunable knobs of a Discoverer.
type Config struct {
	// NActiveQueries is the number of concurrently outstanding
	// closest-peers queries kept in flight. Defaults to
	// DefaultNActiveQueries.
	NActiveQueries int

	// FoundPeersLimit optionally caps the number of peers emitted. Once
	// the cap is reached the peer stream is closed. Zero means no cap.
	FoundPeersLimit int

	// QueryTicker paces the top-up of outstanding queries. Defaults to a
	// ticker of DefaultQueryInterval.
	QueryTicker ticker.Ticker
}

// Discoverer continuously walks the structured overlay's key space with
// closest-peers queries at uniformly random targets, surfacing each newly
// seen (peer, address) pair exactly once on its Peers stream.
type Discoverer struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg     *Config
	overlay Overlay

	// found is the process-lifetime set of peers already surfaced.
	found map[peer.ID]struct{}

	// outstanding counts the closest-peers queries currently in flight.
	outstanding int

	peerStream chan PeerAddr
	streamOnce sync.Once

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a new Discoverer over the passed overlay, seeding the routing
// table with each of the passed known peers.
func New(overlay Overlay, knownPeers []PeerAddr, cfg Config) *Discoverer {
	if cfg.NActiveQueries <= 0 {
		cfg.NActiveQueries = DefaultNActiveQueries
	}
	if cfg.QueryTicker == nil {
		cfg.QueryTicker = ticker.New(DefaultQueryInterval)
	}

	for _, known := range knownPeers {
		overlay.AddAddress(known.ID, known.Addr)
	}

	return &Discoverer{
		cfg:        &cfg,
		overlay:    overlay,
		found:      make(map[peer.ID]struct{}),
		peerStream: make(chan PeerAddr, peerStreamQueueLen),
		quit:       make(chan struct{}),
	}
}

// Start launches the discovery loop and schedules the initial closest-peers
// queries.
func (d *Discoverer) Start() error {
	if atomic.AddInt32(&d.started, 1) != 1 {
		return nil
	}

	log.Debugf("Discoverer starting, %v active queries",
		d.cfg.NActiveQueries)

	d.cfg.QueryTicker.Resume()

	d.wg.Add(1)
	go d.discoveryLoop()

	return nil
}

// Stop signals the discovery loop to halt and blocks until it has. The Peers
// stream is closed.
func (d *Discoverer) Stop() error {
	if atomic.AddInt32(&d.shutdown, 1) != 1 {
		return nil
	}

	close(d.quit)
	d.wg.Wait()

	d.cfg.QueryTicker.Stop()
	d.closePeerStream()

	return nil
}

// Peers is the stream of newly discovered peers. Each peer appears at most
// once for the lifetime of the process. The channel is closed once
// FoundPeersLimit is reached or the discoverer stops.
func (d *Discoverer) Peers() <-chan PeerAddr {
	return d.peerStream
}

// discoveryLoop drives the overlay: it keeps closest-peers queries
// outstanding and turns routing events into discovered-peer emissions.
//
// NOTE: This method MUST be run as a goroutine.
func (d *Discoverer) discoveryLoop() {
	defer d.wg.Done()

	d.topUpQueries()

out:
	for {
		select {
		case <-d.cfg.QueryTicker.Ticks():
			d.topUpQueries()

		case event, ok := <-d.overlay.Events():
			if !ok {
				log.Warnf("Overlay event stream terminated")
				break out
			}

			if !d.handleOverlayEvent(event) {
				break out
			}

		case <-d.quit:
			break out
		}
	}
}

// handleOverlayEvent dispatches a single overlay event. It returns false
// once the loop should halt because the found-peers limit was reached.
func (d *Discoverer) handleOverlayEvent(event OverlayEvent) bool {
	switch event := event.(type) {
	case *RoutingUpdated:
		if len(event.Addresses) == 0 {
			return true
		}
		log.Tracef("Peer %v surfaced through RoutingUpdated",
			event.Peer)
		return d.handleFoundPeer(event.Peer, event.Addresses[0])

	case *RoutablePeer:
		log.Tracef("Peer %v surfaced through RoutablePeer", event.Peer)
		return d.handleFoundPeer(event.Peer, event.Address)

	case *PendingRoutablePeer:
		log.Tracef("Peer %v surfaced through PendingRoutablePeer",
			event.Peer)
		return d.handleFoundPeer(event.Peer, event.Address)

	case *QueryDone:
		d.outstanding--
		if event.Err != nil {
			// A replacement query starts on the next tick.
			log.Debugf("Closest-peers query failed: %v", event.Err)
		}
		return true

	case *IdentifyReceived:
		for _, addr := range event.ListenAddrs {
			log.Tracef("Identify reported %v at %v", event.Peer,
				addr)
			d.overlay.AddAddress(event.Peer, addr)
		}
		return true

	default:
		// All other overlay chatter is irrelevant to discovery.
		return true
	}
}

// handleFoundPeer runs a surfaced peer through deduplication and, if new,
// emits it with any trailing peer-id tag stripped from its address. It
// returns false once the found-peers limit is reached.
func (d *Discoverer) handleFoundPeer(p peer.ID, addr ma.Multiaddr) bool {
	if _, ok := d.found[p]; ok {
		return true
	}
	d.found[p] = struct{}{}

	addr = StripPeerIDTag(addr)

	log.Debugf("Discovered peer %v at %v", p, addr)

	select {
	case d.peerStream <- PeerAddr{ID: p, Addr: addr}:
	case <-d.quit:
		return false
	}

	limit := d.cfg.FoundPeersLimit
	if limit > 0 && len(d.found) >= limit {
		log.Infof("Found-peers limit of %v reached, discovery "+
			"finished", limit)
		d.closePeerStream()
		return false
	}

	return true
}

// topUpQueries issues fresh closest-peers queries until the configured
// number is outstanding. Each query targets a fresh uniformly random key,
// walking the key space to cover the overlay.
func (d *Discoverer) topUpQueries() {
	for d.outstanding < d.cfg.NActiveQueries {
		target := make([]byte, targetKeySize)
		if _, err := rand.Read(target); err != nil {
			// Defer the query to the next tick.
			log.Errorf("Unable to generate query target: %v", err)
			return
		}

		log.Tracef("Starting closest-peers query towards %x", target)

		d.overlay.GetClosestPeers(target)
		d.outstanding++
	}
}

// closePeerStream closes the discovered-peers stream exactly once.
func (d *Discoverer) closePeerStream() {
	d.streamOnce.Do(func() {
		close(d.peerStream)
	})
}

// StripPeerIDTag removes a trailing peer-id tag component from the passed
// address, if one is present. Addresses are stored and emitted without the
// tag.
func StripPeerIDTag(addr ma.Multiaddr) ma.Multiaddr {
	if addr == nil {
		return nil
	}

	rest, last := ma.SplitLast(addr)
	if last != nil && last.Protocol().Code == ma.P_P2P {
		return rest
	}

	return addr
}
