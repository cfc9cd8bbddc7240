package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultListenAddr       = "/ip4/0.0.0.0/tcp/9261"
	defaultDataDirname      = "data"
	defaultLogFilename      = "quarryd.log"
	defaultDebugLevel       = "info"
	defaultHeaderBufferSize = 100
	defaultSubstreamTimeout = 10 * time.Second
	defaultNActiveQueries   = 1
)

// config defines the configuration options for quarryd.
//
// See loadConfig for further details regarding the configuration loading
// process.
type config struct {
	QuarryDir string `long:"quarrydir" description:"The base directory that contains quarry's data and logs"`

	ListenAddr string `long:"listen" description:"Multiaddr to listen on for peer connections"`

	BootstrapPeers []string `long:"bootstrap" description:"Multiaddr of a known peer to seed the overlay routing table with (with trailing /p2p/<id>); may be specified multiple times"`

	HeaderBufferSize int `long:"headerbuffersize" description:"Capacity of the per-session header buffer between storage and the network"`

	SubstreamTimeout time.Duration `long:"substreamtimeout" description:"Max idle time between frames of a session substream"`

	NActiveQueries int `long:"nactivequeries" description:"Number of concurrently outstanding peer discovery queries"`

	FoundPeersLimit int `long:"foundpeerslimit" description:"Stop discovery after this many peers have been found (0 for unlimited)"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	LogFile string `long:"logfile" description:"Path to the log file"`
}

// loadConfig initializes and parses the config using command line options,
// filling in any unset field with its sane default.
func loadConfig() (*config, error) {
	defaultQuarryDir := defaultAppDataDir()

	cfg := config{
		QuarryDir:        defaultQuarryDir,
		ListenAddr:       defaultListenAddr,
		HeaderBufferSize: defaultHeaderBufferSize,
		SubstreamTimeout: defaultSubstreamTimeout,
		NActiveQueries:   defaultNActiveQueries,
		DebugLevel:       defaultDebugLevel,
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.QuarryDir, defaultLogFilename)
	}

	if err := os.MkdirAll(cfg.QuarryDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create quarry dir: %v", err)
	}

	return &cfg, nil
}

// dataDir returns the directory the header store lives in.
func (c *config) dataDir() string {
	return filepath.Join(c.QuarryDir, defaultDataDirname)
}

// defaultAppDataDir returns the default quarry directory within the user's
// home directory.
func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quarry"
	}

	return filepath.Join(home, ".quarry")
}
