package quarry

import (
	"sync"
	"sync/atomic"

	"github.com/go-errors/errors"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quarrynet/quarry/discovery"
	"github.com/quarrynet/quarry/headerdb"
	"github.com/quarrynet/quarry/headerswitch"
	"github.com/quarrynet/quarry/qwire"
)

// Swarm is the session-routing collaborator the manager drives. The
// production implementation joins a header switch with a libp2p host; tests
// supply an in-process mock.
type Swarm interface {
	// SendQuery opens a fresh outbound session carrying the passed query
	// towards the passed peer.
	SendQuery(query qwire.BlockQuery,
		p peer.ID) (headerswitch.OutboundSessionID, error)

	// SendData forwards a data item on the passed inbound session.
	// ErrSessionIDNotFound is returned for an unknown or retired id.
	SendData(data qwire.Data, id headerswitch.InboundSessionID) error

	// AddPeer records a discovered peer within the swarm's routing
	// knowledge.
	AddPeer(p peer.ID, addr ma.Multiaddr)

	// Events is the swarm's session event stream.
	Events() <-chan headerswitch.Event
}

// PeerSource is the discovery collaborator feeding the manager newly
// discovered peers.
type PeerSource interface {
	// Peers is the stream of newly discovered peers.
	Peers() <-chan discovery.PeerAddr
}

// OutboundSession is the consumer's handle on one outbound query session.
// Data items arrive in producer order; a Fin is delivered and then the Data
// channel closes. If the session fails instead, its terminal error arrives
// on Err before Data closes.
type OutboundSession struct {
	// ID identifies the session.
	ID headerswitch.OutboundSessionID

	// Data is the session's ordered data stream.
	Data <-chan qwire.Data

	// Err carries the session's terminal error, if it has one.
	Err <-chan error
}

// outboundEntry is the manager's book-keeping for one outbound session.
type outboundEntry struct {
	data chan qwire.Data
	err  chan error
}

// inboundState is the manager's book-keeping for one inbound session.
type inboundState struct {
	queryID headerdb.QueryID

	// drained is set once the executor closed the session's data channel
	// without a Fin, meaning the session now waits for its completion
	// error to be aborted.
	drained bool

	// failed is set once the session's query reported a completion
	// error. The session aborts after its remaining buffered items have
	// drained, so the remote observes every header produced before the
	// failure.
	failed bool
}

// inboundDataMsg carries one item from an inbound session's forwarder into
// the manager's loop. closed marks the end of the session's data channel.
type inboundDataMsg struct {
	id     headerswitch.InboundSessionID
	data   qwire.Data
	closed bool
}

// Manager is the top-level event loop of the networking core. It pumps the
// discovery stream, the session-routing swarm, and the DB executor, routing
// messages between them: discovered peers enter the swarm's routing
// knowledge, inbound queries fan out to the executor, and executor results
// stream back to the querying remotes.
type Manager struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg      *Config
	swarm    Swarm
	executor headerdb.Executor
	peers    PeerSource

	// sessMtx guards outboundSessions, the only state shared with
	// callers of SendQuery.
	sessMtx          sync.Mutex
	outboundSessions map[headerswitch.OutboundSessionID]*outboundEntry

	// The inbound maps below are owned by the run loop and only touched
	// from it.
	inboundSessions map[headerswitch.InboundSessionID]*inboundState
	inboundByQuery  map[headerdb.QueryID]headerswitch.InboundSessionID

	// inboundData fans items of all active inbound sessions into the run
	// loop.
	inboundData chan inboundDataMsg

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager creates a new manager from its injected collaborators. This
// constructor is used by both production wiring and tests; peers may be nil
// when no discovery stream is attached.
func NewManager(swarm Swarm, executor headerdb.Executor, peers PeerSource,
	cfg Config) (*Manager, error) {

	if swarm == nil {
		return nil, errors.New("manager requires a swarm")
	}
	if executor == nil {
		return nil, errors.New("manager requires a db executor")
	}
	if cfg.HeaderBufferSize <= 0 {
		cfg.HeaderBufferSize = DefaultHeaderBufferSize
	}

	return &Manager{
		cfg:      &cfg,
		swarm:    swarm,
		executor: executor,
		peers:    peers,
		outboundSessions: make(
			map[headerswitch.OutboundSessionID]*outboundEntry,
		),
		inboundSessions: make(
			map[headerswitch.InboundSessionID]*inboundState,
		),
		inboundByQuery: make(
			map[headerdb.QueryID]headerswitch.InboundSessionID,
		),
		inboundData: make(chan inboundDataMsg),
		quit:        make(chan struct{}),
	}, nil
}

// Run drives the manager's event loop. It blocks until Stop is called,
// returning nil, or until the swarm's event stream dies, returning a fatal
// error. Per-session errors never stop the loop.
func (m *Manager) Run() error {
	if atomic.AddInt32(&m.started, 1) != 1 {
		return errors.New("manager already started")
	}

	log.Infof("Network manager running, header buffer size %v",
		m.cfg.HeaderBufferSize)

	var peerStream <-chan discovery.PeerAddr
	if m.peers != nil {
		peerStream = m.peers.Peers()
	}

	defer m.wg.Wait()

	for {
		select {
		case event, ok := <-m.swarm.Events():
			if !ok {
				return errors.New("swarm event stream " +
					"terminated")
			}
			m.handleSwarmEvent(event)

		case msg := <-m.inboundData:
			m.handleInboundData(msg)

		case peerAddr, ok := <-peerStream:
			if !ok {
				// Discovery finished; keep serving sessions.
				log.Infof("Discovery stream finished")
				peerStream = nil
				continue
			}

			log.Debugf("Adding discovered peer %v at %v",
				peerAddr.ID, peerAddr.Addr)
			m.swarm.AddPeer(peerAddr.ID, peerAddr.Addr)

		case result := <-m.executor.Completions():
			m.handleQueryCompletion(result)

		case <-m.quit:
			return nil
		}
	}
}

// Stop signals the manager's loop and its inbound forwarders to exit. It does
// not stop the executor or the swarm: a query task blocked on a session's
// data channel exits only once the executor itself is stopped.
func (m *Manager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		return nil
	}

	log.Infof("Network manager shutting down")

	close(m.quit)

	return nil
}

// SendQuery submits an outbound query towards the passed peer and registers
// a consumer handle for the session's data stream.
func (m *Manager) SendQuery(query qwire.BlockQuery,
	p peer.ID) (*OutboundSession, error) {

	if err := query.Validate(); err != nil {
		return nil, err
	}

	// The session lock is held across id allocation and registration so
	// the run loop cannot observe the session's events before its entry
	// exists.
	m.sessMtx.Lock()
	defer m.sessMtx.Unlock()

	id, err := m.swarm.SendQuery(query, p)
	if err != nil {
		return nil, err
	}

	entry := &outboundEntry{
		data: make(chan qwire.Data, m.cfg.HeaderBufferSize),
		err:  make(chan error, 1),
	}
	m.outboundSessions[id] = entry

	log.Debugf("Submitted %v to %v", id, p)

	return &OutboundSession{
		ID:   id,
		Data: entry.data,
		Err:  entry.err,
	}, nil
}

// handleSwarmEvent dispatches a single session event from the swarm.
func (m *Manager) handleSwarmEvent(event headerswitch.Event) {
	switch event := event.(type) {
	case *headerswitch.NewInboundQuery:
		m.handleNewInboundQuery(event)

	case *headerswitch.ReceivedData:
		m.handleReceivedData(event)

	case *headerswitch.SessionFailed:
		m.handleSessionFailed(event)

	default:
		log.Warnf("Ignoring unknown swarm event %T", event)
	}
}

// handleNewInboundQuery registers a remote query with the executor and
// starts the forwarder that streams the query's results back to the
// session.
func (m *Manager) handleNewInboundQuery(event *headerswitch.NewInboundQuery) {
	sink := make(chan qwire.Data, m.cfg.HeaderBufferSize)
	queryID := m.executor.RegisterQuery(event.Query, sink)

	log.Debugf("New %v from %v registered as %v", event.SessionID,
		event.Peer, queryID)

	m.inboundSessions[event.SessionID] = &inboundState{queryID: queryID}
	m.inboundByQuery[queryID] = event.SessionID

	m.wg.Add(1)
	go m.forwardInboundData(event.SessionID, sink)
}

// handleReceivedData routes a data item of an outbound session to its
// registered consumer. A Fin terminates the consumer.
func (m *Manager) handleReceivedData(event *headerswitch.ReceivedData) {
	m.sessMtx.Lock()
	entry, ok := m.outboundSessions[event.SessionID]
	m.sessMtx.Unlock()
	if !ok {
		log.Warnf("Received data on unknown %v, discarding",
			event.SessionID)
		return
	}

	select {
	case entry.data <- event.Data:
	case <-m.quit:
		return
	}

	if _, ok := event.Data.(*qwire.Fin); ok {
		m.retireOutboundSession(event.SessionID, entry, nil)
	}
}

// handleSessionFailed fails an outbound session's consumer with the
// session's terminal error.
func (m *Manager) handleSessionFailed(event *headerswitch.SessionFailed) {
	m.sessMtx.Lock()
	entry, ok := m.outboundSessions[event.SessionID]
	m.sessMtx.Unlock()
	if !ok {
		log.Warnf("Failure %v on unknown %v, discarding", event.Err,
			event.SessionID)
		return
	}

	log.Debugf("%v failed: %v", event.SessionID, event.Err)

	m.retireOutboundSession(event.SessionID, entry, event.Err)
}

// retireOutboundSession delivers an optional terminal error and closes out
// an outbound session's consumer handle.
func (m *Manager) retireOutboundSession(id headerswitch.OutboundSessionID,
	entry *outboundEntry, err error) {

	if err != nil {
		entry.err <- err
	}
	close(entry.data)

	m.sessMtx.Lock()
	delete(m.outboundSessions, id)
	m.sessMtx.Unlock()
}

// forwardInboundData relays a single inbound session's data channel into the
// manager's loop, preserving the producer's order.
//
// NOTE: This method MUST be run as a goroutine.
func (m *Manager) forwardInboundData(id headerswitch.InboundSessionID,
	sink <-chan qwire.Data) {

	defer m.wg.Done()

	for {
		select {
		case data, ok := <-sink:
			if !ok {
				select {
				case m.inboundData <- inboundDataMsg{
					id:     id,
					closed: true,
				}:
				case <-m.quit:
				}
				return
			}

			select {
			case m.inboundData <- inboundDataMsg{id: id, data: data}:
			case <-m.quit:
				return
			}

		case <-m.quit:
			return
		}
	}
}

// handleInboundData pushes one forwarded item out on its inbound session. A
// Fin retires the session; an unknown session id coming back from the swarm
// is a caller bug that is logged and discarded.
func (m *Manager) handleInboundData(msg inboundDataMsg) {
	state, ok := m.inboundSessions[msg.id]
	if !ok {
		// The session was already aborted by a completion error.
		return
	}

	if msg.closed {
		// The executor closed the data channel without a Fin. If the
		// query's failure is already known the session aborts now;
		// otherwise it waits for the completion error.
		if state.failed {
			m.abortInboundSession(msg.id, state)
			return
		}
		state.drained = true
		return
	}

	if err := m.swarm.SendData(msg.data, msg.id); err != nil {
		log.Warnf("Unable to send data on %v: %v", msg.id, err)
		m.retireInboundSession(msg.id, state)
		return
	}

	if _, ok := msg.data.(*qwire.Fin); ok {
		log.Debugf("%v completed", msg.id)
		m.retireInboundSession(msg.id, state)
	}
}

// handleQueryCompletion reacts to a single query's completion record. A
// failed query aborts its inbound session: the remote is sent a best-effort
// Fin and the session is retired.
func (m *Manager) handleQueryCompletion(result headerdb.QueryResult) {
	if result.Err == nil {
		return
	}

	log.Errorf("%v failed: %v", result.ID, result.Err)

	id, ok := m.inboundByQuery[result.ID]
	if !ok {
		return
	}
	state := m.inboundSessions[id]

	// Items the query produced before failing may still be in flight;
	// the abort runs once the session's channel has fully drained.
	if !state.drained {
		state.failed = true
		return
	}

	m.abortInboundSession(id, state)
}

// abortInboundSession closes out a failed inbound session: the remote is
// sent a best-effort Fin and the session is retired.
func (m *Manager) abortInboundSession(id headerswitch.InboundSessionID,
	state *inboundState) {

	if err := m.swarm.SendData(&qwire.Fin{}, id); err != nil {
		log.Debugf("Unable to send Fin on aborted %v: %v", id, err)
	}

	m.retireInboundSession(id, state)
}

// retireInboundSession drops the manager's book-keeping for an inbound
// session.
func (m *Manager) retireInboundSession(id headerswitch.InboundSessionID,
	state *inboundState) {

	delete(m.inboundSessions, id)
	delete(m.inboundByQuery, state.queryID)
}
