package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quarrynet/quarry"
	"github.com/quarrynet/quarry/discovery"
	"github.com/quarrynet/quarry/headerdb"
	"github.com/quarrynet/quarry/p2p"
)

const identityKeyFilename = "identity.key"

func main() {
	if err := quarrydMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// quarrydMain is the true entry point for quarryd, keeping main itself down
// to deciding the process exit code.
func quarrydMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogFile); err != nil {
		return err
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	// Bring up durable storage and the executor serving queries from it.
	store, err := headerdb.Open(cfg.dataDir())
	if err != nil {
		return fmt.Errorf("unable to open header store: %v", err)
	}
	defer store.Close()

	executor := headerdb.NewStoreExecutor(store)
	if err := executor.Start(); err != nil {
		return err
	}
	defer executor.Stop()

	// The transport host. A listen failure here is fatal.
	identity, err := loadIdentity(cfg.QuarryDir)
	if err != nil {
		return err
	}

	listenAddr, err := ma.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %v",
			cfg.ListenAddr, err)
	}

	host, err := p2p.NewHost(p2p.HostConfig{
		ListenAddr: listenAddr,
		Identity:   identity,
	})
	if err != nil {
		return fmt.Errorf("unable to bring up host: %v", err)
	}
	defer host.Close()

	quarrydLog.Infof("Host %v listening on %v", host.ID(), listenAddr)

	overlay, err := p2p.NewDHTOverlay(host)
	if err != nil {
		return fmt.Errorf("unable to bring up overlay: %v", err)
	}
	if err := overlay.Start(); err != nil {
		return err
	}
	defer overlay.Stop()

	swarm, err := p2p.NewSwarm(host, overlay, p2p.SwarmConfig{
		SubstreamTimeout: cfg.SubstreamTimeout,
	})
	if err != nil {
		return err
	}
	if err := swarm.Start(); err != nil {
		return err
	}
	defer swarm.Stop()

	knownPeers, err := parseBootstrapPeers(cfg.BootstrapPeers)
	if err != nil {
		return err
	}

	discoverer := discovery.New(overlay, knownPeers, discovery.Config{
		NActiveQueries:  cfg.NActiveQueries,
		FoundPeersLimit: cfg.FoundPeersLimit,
	})
	if err := discoverer.Start(); err != nil {
		return err
	}
	defer discoverer.Stop()

	manager, err := quarry.NewManager(swarm, executor, discoverer,
		quarry.Config{
			HeaderBufferSize: cfg.HeaderBufferSize,
		})
	if err != nil {
		return err
	}

	// Shut the manager down on SIGINT/SIGTERM; the deferred stops above
	// unwind the remaining subsystems in reverse start order.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		quarrydLog.Infof("Received %v, shutting down", sig)
		manager.Stop()
	}()

	return manager.Run()
}

// loadIdentity loads the node's long-term identity key from disk, generating
// and persisting a fresh one on first run.
func loadIdentity(dir string) (crypto.PrivKey, error) {
	path := filepath.Join(dir, identityKeyFilename)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return crypto.UnmarshalPrivateKey(raw)

	case !os.IsNotExist(err):
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, err
	}

	quarrydLog.Infof("Generated fresh identity key in %v", path)

	return priv, nil
}

// parseBootstrapPeers maps the configured bootstrap multiaddrs, each
// carrying a trailing /p2p/<id> component, onto discovery peer entries.
func parseBootstrapPeers(addrs []string) ([]discovery.PeerAddr, error) {
	peers := make([]discovery.PeerAddr, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address "+
				"%q: %v", addr, err)
		}

		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q lacks "+
				"a peer id: %v", addr, err)
		}
		if len(info.Addrs) == 0 {
			return nil, fmt.Errorf("bootstrap address %q lacks "+
				"a transport address", addr)
		}

		peers = append(peers, discovery.PeerAddr{
			ID:   info.ID,
			Addr: info.Addrs[0],
		})
	}

	return peers, nil
}
