package quarry

// DefaultHeaderBufferSize is the default capacity of each inbound session's
// header buffer. Query tasks block on this buffer's readiness between sends,
// bounding the memory held per session.
const DefaultHeaderBufferSize = 100

// Config houses the tunable knobs of the network manager.
type Config struct {
	// HeaderBufferSize is the capacity of the bounded channel created per
	// inbound session between the DB executor and the manager. Defaults
	// to DefaultHeaderBufferSize.
	HeaderBufferSize int
}
