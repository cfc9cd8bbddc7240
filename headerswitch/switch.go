package headerswitch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/quarrynet/quarry/qwire"
)

var (
	// ErrPeerNotConnected is surfaced for an outbound session whose
	// target peer could not be dialed.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrSessionIDNotFound is returned by SendData when the passed
	// inbound session id is unknown or already retired.
	ErrSessionIDNotFound = errors.New("inbound session id not found")

	// ErrSessionTimeout is surfaced for a session whose substream sat
	// idle between frames longer than the configured timeout.
	ErrSessionTimeout = errors.New("session substream timed out")

	// ErrSwitchShutdown is returned for operations attempted against a
	// stopped switch.
	ErrSwitchShutdown = errors.New("switch is shutting down")
)

const (
	// DefaultSubstreamTimeout is the default bound on idle time between
	// successive frames of a session substream.
	DefaultSubstreamTimeout = 10 * time.Second

	// DefaultMaxPendingQueriesPerPeer is the default bound on queries
	// buffered for a peer while its dial completes. Overflowing the bound
	// fails the oldest buffered session with ErrPeerNotConnected.
	DefaultMaxPendingQueriesPerPeer = 32

	// inboundQueueLen is the buffer size of the channel feeding each
	// inbound session's writer.
	inboundQueueLen = 16

	// eventQueueLen is the initial buffer size of the switch's event
	// queue.
	eventQueueLen = 16
)

// Stream is a single bidirectional session substream. The production
// implementation is a libp2p network stream; tests use in-memory pipes.
type Stream interface {
	io.ReadWriteCloser

	// SetReadDeadline bounds the blocking time of future Read calls.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline bounds the blocking time of future Write calls.
	SetWriteDeadline(t time.Time) error
}

// Config defines the configuration for the switch. ALL elements within the
// configuration with no default MUST be non-nil for the switch to carry out
// its duties.
type Config struct {
	// DialPeer attempts to establish a connection to the passed peer. It
	// blocks until the connection is up or the attempt failed. The switch
	// calls it from a dedicated goroutine, at most once per peer at a
	// time.
	DialPeer func(peer.ID) error

	// OpenStream opens a fresh bidirectional substream to the passed
	// connected peer. Each outbound session uses exactly one substream.
	OpenStream func(peer.ID) (Stream, error)

	// SubstreamTimeout bounds the idle time between successive frames of
	// a session substream in either direction. Defaults to
	// DefaultSubstreamTimeout.
	SubstreamTimeout time.Duration

	// MaxPendingQueriesPerPeer bounds the per-peer buffer of queries
	// awaiting a dial. Defaults to DefaultMaxPendingQueriesPerPeer.
	MaxPendingQueriesPerPeer int

	// Clock is the time source of all session deadlines. Defaults to the
	// system clock.
	Clock clock.Clock
}

// pendingQuery is a query buffered for a peer whose dial is still in flight.
type pendingQuery struct {
	query qwire.BlockQuery
	id    OutboundSessionID
}

// inboundSession tracks one live remote-initiated session. Data items are
// handed to the session's writer goroutine through sendQueue; quit is closed
// once the writer exits and the session id is retired.
type inboundSession struct {
	id        InboundSessionID
	peer      peer.ID
	stream    Stream
	sendQueue chan qwire.Data
	quit      chan struct{}
	startedAt time.Time
}

// Switch multiplexes logically independent query/response sessions over peer
// connections. Each outbound session sends one query to a peer and receives
// a stream of data ending in a Fin; each inbound session receives a remote
// peer's query and streams data back. Peers are dialed on demand, with
// queries buffered while dials complete.
type Switch struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg *Config

	mtx sync.Mutex

	// nextOutboundID and nextInboundID allocate session ids. Both are
	// strictly increasing for the process lifetime.
	nextOutboundID OutboundSessionID
	nextInboundID  InboundSessionID

	// connectedPeers is the set of peers with an established connection.
	connectedPeers map[peer.ID]struct{}

	// pendingQueries buffers, per peer and in FIFO order, the queries
	// awaiting that peer's dial.
	pendingQueries map[peer.ID][]pendingQuery

	// dialing is the set of peers with a dial attempt in flight.
	dialing map[peer.ID]struct{}

	// inboundSessions indexes the live remote-initiated sessions.
	inboundSessions map[InboundSessionID]*inboundSession

	// outboundStreams indexes the live substreams of outbound sessions
	// so shutdown can unblock their readers.
	outboundStreams map[OutboundSessionID]Stream

	// events queues outgoing events so that session handlers never block
	// on a slow consumer.
	events      *queue.ConcurrentQueue
	eventStream chan Event

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a new Switch from the passed config.
func New(cfg Config) (*Switch, error) {
	if cfg.DialPeer == nil {
		return nil, fmt.Errorf("switch config lacks DialPeer")
	}
	if cfg.OpenStream == nil {
		return nil, fmt.Errorf("switch config lacks OpenStream")
	}
	if cfg.SubstreamTimeout <= 0 {
		cfg.SubstreamTimeout = DefaultSubstreamTimeout
	}
	if cfg.MaxPendingQueriesPerPeer <= 0 {
		cfg.MaxPendingQueriesPerPeer = DefaultMaxPendingQueriesPerPeer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Switch{
		cfg:             &cfg,
		connectedPeers:  make(map[peer.ID]struct{}),
		pendingQueries:  make(map[peer.ID][]pendingQuery),
		dialing:         make(map[peer.ID]struct{}),
		inboundSessions: make(map[InboundSessionID]*inboundSession),
		outboundStreams: make(map[OutboundSessionID]Stream),
		events:          queue.NewConcurrentQueue(eventQueueLen),
		eventStream:     make(chan Event),
		quit:            make(chan struct{}),
	}, nil
}

// Start launches the switch's helper goroutines.
func (s *Switch) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	s.events.Start()

	s.wg.Add(1)
	go s.eventForwarder()

	return nil
}

// Stop signals the switch for a graceful shutdown. Every live substream is
// closed and all session handlers are joined before this function returns.
func (s *Switch) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	close(s.quit)

	// Close every live substream so blocked readers and writers unwind.
	s.mtx.Lock()
	for _, stream := range s.outboundStreams {
		stream.Close()
	}
	for _, session := range s.inboundSessions {
		session.stream.Close()
	}
	s.mtx.Unlock()

	s.wg.Wait()
	s.events.Stop()

	return nil
}

// Events is the stream of session events surfaced by the switch.
func (s *Switch) Events() <-chan Event {
	return s.eventStream
}

// SendQuery allocates a fresh outbound session for the passed query. If the
// peer is currently connected the session's substream opens immediately;
// otherwise the query is buffered and a dial is launched unless one is
// already in flight. The returned ids are strictly increasing.
func (s *Switch) SendQuery(query qwire.BlockQuery,
	p peer.ID) (OutboundSessionID, error) {

	if atomic.LoadInt32(&s.shutdown) != 0 {
		return 0, ErrSwitchShutdown
	}

	s.mtx.Lock()
	id := s.nextOutboundID
	s.nextOutboundID++

	if _, ok := s.connectedPeers[p]; ok {
		s.mtx.Unlock()

		log.Debugf("Opening %v to connected peer %v", id, p)
		s.startOutboundSession(p, query, id)
		return id, nil
	}

	// The peer isn't connected: buffer the query for the drain that runs
	// once the dial completes. A full buffer fails its oldest entry.
	var dropped *pendingQuery
	pending := s.pendingQueries[p]
	if len(pending) >= s.cfg.MaxPendingQueriesPerPeer {
		dropped = &pendingQuery{}
		*dropped = pending[0]
		pending = pending[1:]
	}
	s.pendingQueries[p] = append(pending, pendingQuery{
		query: query,
		id:    id,
	})

	needDial := false
	if _, ok := s.dialing[p]; !ok {
		s.dialing[p] = struct{}{}
		needDial = true
	}
	s.mtx.Unlock()

	if dropped != nil {
		log.Warnf("Pending query buffer for %v full, failing oldest "+
			"%v", p, dropped.id)
		s.emit(&SessionFailed{
			SessionID: dropped.id,
			Err:       ErrPeerNotConnected,
		})
	}

	log.Debugf("Buffered %v for disconnected peer %v", id, p)

	if needDial {
		s.wg.Add(1)
		go s.dialPeer(p)
	}

	return id, nil
}

// SendData forwards a single data item on the passed inbound session. A Fin
// closes the session once the item is written out.
func (s *Switch) SendData(data qwire.Data, id InboundSessionID) error {
	s.mtx.Lock()
	session, ok := s.inboundSessions[id]
	s.mtx.Unlock()
	if !ok {
		return ErrSessionIDNotFound
	}

	select {
	case session.sendQueue <- data:
		return nil

	// The session's writer exited while we were enqueueing, so the item
	// can no longer be delivered.
	case <-session.quit:
		return ErrSessionIDNotFound

	case <-s.quit:
		return ErrSwitchShutdown
	}
}

// PeerConnected informs the switch that a connection to the passed peer is
// established. Queries buffered for the peer drain into session handlers in
// the order they were enqueued.
func (s *Switch) PeerConnected(p peer.ID) {
	s.mtx.Lock()
	s.connectedPeers[p] = struct{}{}
	delete(s.dialing, p)
	pending := s.pendingQueries[p]
	delete(s.pendingQueries, p)
	s.mtx.Unlock()

	log.Debugf("Peer %v connected, draining %v pending queries", p,
		len(pending))

	for _, pq := range pending {
		s.startOutboundSession(p, pq.query, pq.id)
	}
}

// PeerDisconnected informs the switch that the connection to the passed peer
// closed. In-flight sessions surface their own substream errors; a later
// SendQuery to the peer re-triggers a dial.
func (s *Switch) PeerDisconnected(p peer.ID) {
	s.mtx.Lock()
	delete(s.connectedPeers, p)
	s.mtx.Unlock()

	log.Debugf("Peer %v disconnected", p)
}

// HandleStream hands an accepted inbound substream to the switch. The
// switch reads the session's opening query off the substream and surfaces
// it as a NewInboundQuery event.
func (s *Switch) HandleStream(p peer.ID, stream Stream) {
	if atomic.LoadInt32(&s.shutdown) != 0 {
		stream.Close()
		return
	}

	s.wg.Add(1)
	go s.inboundSessionHandler(p, stream)
}

// dialPeer runs a single dial attempt towards the passed peer. Success is
// surfaced through the transport's connection notification; failure fails
// every query buffered for the peer.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Switch) dialPeer(p peer.ID) {
	defer s.wg.Done()

	err := s.cfg.DialPeer(p)
	if err == nil {
		return
	}

	log.Debugf("Dial to %v failed: %v", p, err)

	s.mtx.Lock()
	delete(s.dialing, p)
	pending := s.pendingQueries[p]
	delete(s.pendingQueries, p)
	s.mtx.Unlock()

	for _, pq := range pending {
		s.emit(&SessionFailed{
			SessionID: pq.id,
			Err:       ErrPeerNotConnected,
		})
	}
}

// startOutboundSession launches the handler goroutine of a single outbound
// session.
func (s *Switch) startOutboundSession(p peer.ID, query qwire.BlockQuery,
	id OutboundSessionID) {

	s.wg.Add(1)
	go s.outboundSessionHandler(p, query, id)
}

// outboundSessionHandler owns one outbound session end to end: it opens the
// substream, writes the query frame, then relays data frames as events until
// the session's Fin or an error.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Switch) outboundSessionHandler(p peer.ID, query qwire.BlockQuery,
	id OutboundSessionID) {

	defer s.wg.Done()

	stream, err := s.cfg.OpenStream(p)
	if err != nil {
		s.emit(&SessionFailed{
			SessionID: id,
			Err: fmt.Errorf("unable to open substream to "+
				"%v: %w", p, err),
		})
		return
	}

	s.mtx.Lock()
	s.outboundStreams[id] = stream
	s.mtx.Unlock()

	defer func() {
		stream.Close()
		s.mtx.Lock()
		delete(s.outboundStreams, id)
		s.mtx.Unlock()
	}()

	writer := msgio.NewVarintWriter(stream)
	reader := msgio.NewVarintReader(stream)

	stream.SetWriteDeadline(s.cfg.Clock.Now().Add(s.cfg.SubstreamTimeout))
	if err := qwire.WriteMessageFrame(writer, &query); err != nil {
		s.failSession(id, err)
		return
	}

	log.Tracef("Sent query on %v: %v", id, newLogClosure(func() string {
		return spew.Sdump(query)
	}))

	for {
		stream.SetReadDeadline(
			s.cfg.Clock.Now().Add(s.cfg.SubstreamTimeout),
		)

		data, err := qwire.ReadDataFrame(reader)
		if err != nil {
			s.failSession(id, err)
			return
		}

		log.Tracef("Received data on %v: %v", id,
			newLogClosure(func() string {
				return spew.Sdump(data)
			}))

		s.emit(&ReceivedData{Data: data, SessionID: id})

		// A Fin is the last item of the session's stream; the session
		// terminates cleanly.
		if _, ok := data.(*qwire.Fin); ok {
			log.Debugf("%v terminated by Fin", id)
			return
		}
	}
}

// failSession surfaces an outbound session's terminal error, folding
// deadline expiry into the session-timeout error. Failures observed during
// shutdown are suppressed: the session was torn down on purpose.
func (s *Switch) failSession(id OutboundSessionID, err error) {
	if atomic.LoadInt32(&s.shutdown) != 0 {
		return
	}

	if isTimeoutError(err) {
		err = ErrSessionTimeout
	}

	log.Debugf("%v failed: %v", id, err)

	s.emit(&SessionFailed{SessionID: id, Err: err})
}

// inboundSessionHandler owns one inbound session end to end: it reads the
// opening query frame, surfaces the session, then writes queued data frames
// until the session's Fin, a write error, or shutdown.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Switch) inboundSessionHandler(p peer.ID, stream Stream) {
	defer s.wg.Done()

	reader := msgio.NewVarintReader(stream)

	stream.SetReadDeadline(s.cfg.Clock.Now().Add(s.cfg.SubstreamTimeout))
	query, err := qwire.ReadQueryFrame(reader)
	if err != nil {
		log.Debugf("Unable to read query from inbound substream of "+
			"%v: %v", p, err)
		stream.Close()
		return
	}

	s.mtx.Lock()
	id := s.nextInboundID
	s.nextInboundID++
	session := &inboundSession{
		id:        id,
		peer:      p,
		stream:    stream,
		sendQueue: make(chan qwire.Data, inboundQueueLen),
		quit:      make(chan struct{}),
		startedAt: s.cfg.Clock.Now(),
	}
	s.inboundSessions[id] = session
	s.mtx.Unlock()

	log.Debugf("New %v from %v: %v", id, p, newLogClosure(func() string {
		return spew.Sdump(query)
	}))

	s.emit(&NewInboundQuery{
		Peer:      p,
		Query:     *query,
		SessionID: id,
	})

	s.inboundWriter(session)
}

// inboundWriter drains an inbound session's send queue onto its substream.
// The session retires once its Fin is written, a write fails, or the switch
// shuts down; the remote observes the substream close in every case.
func (s *Switch) inboundWriter(session *inboundSession) {
	defer func() {
		close(session.quit)
		session.stream.Close()
		s.removeInboundSession(session.id)
	}()

	writer := msgio.NewVarintWriter(session.stream)

	for {
		select {
		case data := <-session.sendQueue:
			session.stream.SetWriteDeadline(
				s.cfg.Clock.Now().Add(s.cfg.SubstreamTimeout),
			)

			if err := qwire.WriteMessageFrame(writer, data); err != nil {
				log.Debugf("Unable to write data on %v: %v",
					session.id, err)
				return
			}

			if _, ok := data.(*qwire.Fin); ok {
				log.Debugf("%v closed by Fin", session.id)
				return
			}

		case <-s.quit:
			return
		}
	}
}

// removeInboundSession retires an inbound session id.
func (s *Switch) removeInboundSession(id InboundSessionID) {
	s.mtx.Lock()
	delete(s.inboundSessions, id)
	s.mtx.Unlock()
}

// emit queues a single event for the switch's consumer.
func (s *Switch) emit(event Event) {
	select {
	case s.events.ChanIn() <- event:
	case <-s.quit:
	}
}

// eventForwarder relays queued events onto the typed event stream.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Switch) eventForwarder() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.events.ChanOut():
			if !ok {
				return
			}

			select {
			case s.eventStream <- event.(Event):
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

// isTimeoutError reports whether the passed error stems from an expired
// read or write deadline.
func isTimeoutError(err error) bool {
	if os.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
