package p2p

import (
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/protocol"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// ProtocolID is the protocol identifier negotiated for header session
	// substreams.
	ProtocolID = protocol.ID("/quarry/headers/0.1.0")

	// DHTProtocolPrefix namespaces the overlay's kademlia protocols.
	DHTProtocolPrefix = protocol.ID("/quarry")

	// UserAgent is the identification string exchanged with peers on
	// connect.
	UserAgent = "discovery/0.0.1"
)

// HostConfig houses what is needed to bring up the node's transport host.
type HostConfig struct {
	// ListenAddr is the address the host listens on. A bind failure is
	// fatal at construction.
	ListenAddr ma.Multiaddr

	// Identity is the private key the host's peer id derives from.
	Identity crypto.PrivKey
}

// NewHost constructs the libp2p host carrying all of the node's peer
// connections: a TCP transport secured with noise, multiplexed per the
// host's defaults.
func NewHost(cfg HostConfig) (host.Host, error) {
	return libp2p.New(
		libp2p.Identity(cfg.Identity),
		libp2p.ListenAddrs(cfg.ListenAddr),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.UserAgent(UserAgent),
	)
}
