package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/quarrynet/quarry"
	"github.com/quarrynet/quarry/discovery"
	"github.com/quarrynet/quarry/headerdb"
	"github.com/quarrynet/quarry/headerswitch"
	"github.com/quarrynet/quarry/p2p"
)

// logWriter duplicates log output to stdout and to the daemon's rotating log
// file.
type logWriter struct{}

// Write writes the passed bytes to both destinations.
//
// This is part of the io.Writer interface.
func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	logRotator *rotator.Rotator

	backendLog = btclog.NewBackend(logWriter{})

	quarrydLog = backendLog.Logger("QRYD")
	qmgrLog    = backendLog.Logger("QMGR")
	qswcLog    = backendLog.Logger("QSWC")
	discLog    = backendLog.Logger("DISC")
	hdbLog     = backendLog.Logger("HDB")
	p2pLog     = backendLog.Logger("P2P")
)

// Initialize package-global logger variables.
func init() {
	quarry.UseLogger(qmgrLog)
	headerswitch.UseLogger(qswcLog)
	discovery.UseLogger(discLog)
	headerdb.UseLogger(hdbLog)
	p2p.UseLogger(p2pLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"QRYD": quarrydLog,
	"QMGR": qmgrLog,
	"QSWC": qswcLog,
	"DISC": discLog,
	"HDB":  hdbLog,
	"P2P":  p2pLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}
	logRotator = r

	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level string.
func setLogLevels(logLevel string) error {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return fmt.Errorf("invalid log level %v", logLevel)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
