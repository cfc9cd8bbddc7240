package headerswitch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/quarrynet/quarry/qwire"
)

const testTimeout = 5 * time.Second

var testPeer = peer.ID("peer-1")

func testQuery(start qwire.BlockNumber) qwire.BlockQuery {
	return qwire.BlockQuery{
		Start:     qwire.NumberLocator{Number: start},
		Direction: qwire.Forward,
		Limit:     5,
		Step:      1,
	}
}

func testHeaderData(n qwire.BlockNumber) *qwire.HeaderAndSignature {
	var hash qwire.BlockHash
	hash[0] = byte(n) + 1
	return &qwire.HeaderAndSignature{
		Header: qwire.BlockHeader{Number: n, Hash: hash},
	}
}

// switchHarness owns a switch wired to in-memory transports. Dial attempts
// surface on dials; each OpenStream call hands the substream's remote end to
// the test through streams.
type switchHarness struct {
	t  *testing.T
	sw *Switch

	// dials receives the target of every dial attempt.
	dials chan peer.ID

	// dialErr, if non-nil, fails every dial attempt.
	dialErr error

	// streams receives the remote end of every opened substream.
	streams chan net.Conn
}

func newSwitchHarness(t *testing.T, cfg Config) *switchHarness {
	t.Helper()

	h := &switchHarness{
		t:       t,
		dials:   make(chan peer.ID, 16),
		streams: make(chan net.Conn, 16),
	}

	cfg.DialPeer = func(p peer.ID) error {
		h.dials <- p
		return h.dialErr
	}
	cfg.OpenStream = func(p peer.ID) (Stream, error) {
		local, remote := net.Pipe()
		h.streams <- remote
		return local, nil
	}

	sw, err := New(cfg)
	if err != nil {
		t.Fatalf("unable to create switch: %v", err)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("unable to start switch: %v", err)
	}
	t.Cleanup(func() {
		sw.Stop()
	})

	h.sw = sw
	return h
}

// nextEvent receives the switch's next event.
func (h *switchHarness) nextEvent() Event {
	h.t.Helper()

	select {
	case event := <-h.sw.Events():
		return event
	case <-time.After(testTimeout):
		h.t.Fatalf("no event emitted")
		return nil
	}
}

// nextRemoteStream receives the remote end of the next opened substream.
func (h *switchHarness) nextRemoteStream() net.Conn {
	h.t.Helper()

	select {
	case stream := <-h.streams:
		return stream
	case <-time.After(testTimeout):
		h.t.Fatalf("no substream opened")
		return nil
	}
}

// readQuery reads the opening query frame off a remote stream end.
func readQuery(t *testing.T, conn net.Conn) qwire.BlockQuery {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	query, err := qwire.ReadQueryFrame(msgio.NewVarintReader(conn))
	if err != nil {
		t.Fatalf("unable to read query frame: %v", err)
	}

	return *query
}

// TestSendQueryIDsMonotonic asserts outbound session ids are strictly
// increasing and distinct across an arbitrary call sequence.
func TestSendQueryIDsMonotonic(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})

	for i := 0; i < 10; i++ {
		p := peer.ID(fmt.Sprintf("peer-%d", i%3))
		id, err := h.sw.SendQuery(testQuery(0), p)
		if err != nil {
			t.Fatalf("unable to send query: %v", err)
		}
		if id != OutboundSessionID(i) {
			t.Fatalf("expected id %d, got %v", i, id)
		}
	}
}

// TestSendQueryBuffersUntilConnect asserts queries towards a disconnected
// peer trigger exactly one dial, then drain into exactly one session each
// once the peer connects.
func TestSendQueryBuffersUntilConnect(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})

	firstQuery := testQuery(0)
	secondQuery := testQuery(100)

	if _, err := h.sw.SendQuery(firstQuery, testPeer); err != nil {
		t.Fatalf("unable to send query: %v", err)
	}
	if _, err := h.sw.SendQuery(secondQuery, testPeer); err != nil {
		t.Fatalf("unable to send query: %v", err)
	}

	// Exactly one dial goes out for the two buffered queries.
	select {
	case p := <-h.dials:
		if p != testPeer {
			t.Fatalf("dialed %v, expected %v", p, testPeer)
		}
	case <-time.After(testTimeout):
		t.Fatalf("no dial attempt")
	}
	select {
	case p := <-h.dials:
		t.Fatalf("unexpected second dial to %v", p)
	case <-time.After(50 * time.Millisecond):
	}

	// No substream opens while the peer is disconnected.
	select {
	case <-h.streams:
		t.Fatalf("substream opened before connect")
	case <-time.After(50 * time.Millisecond):
	}

	h.sw.PeerConnected(testPeer)

	// Both pending queries drain, each onto its own substream, with no
	// duplicates.
	received := make(map[qwire.BlockQuery]int)
	for i := 0; i < 2; i++ {
		conn := h.nextRemoteStream()
		received[readQuery(t, conn)]++
		conn.Close()
	}
	if received[firstQuery] != 1 || received[secondQuery] != 1 {
		t.Fatalf("pending queries delivered unevenly: %v", received)
	}

	// The pending entry is gone: a fresh query to the now-connected peer
	// opens its substream immediately, with no new dial.
	if _, err := h.sw.SendQuery(testQuery(200), testPeer); err != nil {
		t.Fatalf("unable to send query: %v", err)
	}
	conn := h.nextRemoteStream()
	conn.Close()

	select {
	case p := <-h.dials:
		t.Fatalf("unexpected dial to %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDialFailureFailsPendingSessions asserts a failed dial surfaces
// ErrPeerNotConnected for every session buffered towards the peer.
func TestDialFailureFailsPendingSessions(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})
	h.dialErr = errors.New("connection refused")

	firstID, err := h.sw.SendQuery(testQuery(0), testPeer)
	if err != nil {
		t.Fatalf("unable to send query: %v", err)
	}
	secondID, err := h.sw.SendQuery(testQuery(1), testPeer)
	if err != nil {
		t.Fatalf("unable to send query: %v", err)
	}

	failed := make(map[OutboundSessionID]struct{})
	for i := 0; i < 2; i++ {
		event := h.nextEvent()
		failure, ok := event.(*SessionFailed)
		if !ok {
			t.Fatalf("expected SessionFailed, got %T", event)
		}
		if failure.Err != ErrPeerNotConnected {
			t.Fatalf("expected ErrPeerNotConnected, got %v",
				failure.Err)
		}
		failed[failure.SessionID] = struct{}{}
	}

	if _, ok := failed[firstID]; !ok {
		t.Fatalf("%v not failed", firstID)
	}
	if _, ok := failed[secondID]; !ok {
		t.Fatalf("%v not failed", secondID)
	}
}

// TestPendingBoundFailsOldest asserts the per-peer pending buffer fails its
// oldest entry on overflow.
func TestPendingBoundFailsOldest(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{MaxPendingQueriesPerPeer: 2})

	oldestID, err := h.sw.SendQuery(testQuery(0), testPeer)
	if err != nil {
		t.Fatalf("unable to send query: %v", err)
	}
	for i := 1; i < 3; i++ {
		if _, err := h.sw.SendQuery(testQuery(0), testPeer); err != nil {
			t.Fatalf("unable to send query: %v", err)
		}
	}

	event := h.nextEvent()
	failure, ok := event.(*SessionFailed)
	if !ok {
		t.Fatalf("expected SessionFailed, got %T", event)
	}
	if failure.SessionID != oldestID {
		t.Fatalf("expected oldest %v failed, got %v", oldestID,
			failure.SessionID)
	}
	if failure.Err != ErrPeerNotConnected {
		t.Fatalf("expected ErrPeerNotConnected, got %v", failure.Err)
	}
}

// TestSendDataUnknownSession asserts SendData on an unknown inbound session
// id returns ErrSessionIDNotFound.
func TestSendDataUnknownSession(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})

	err := h.sw.SendData(&qwire.Fin{}, InboundSessionID(7))
	if err != ErrSessionIDNotFound {
		t.Fatalf("expected ErrSessionIDNotFound, got %v", err)
	}
}

// TestInboundSessionFlow asserts the full inbound path: the opening query
// surfaces as an event, queued data items reach the remote in order, and
// the Fin closes the substream and retires the session id.
func TestInboundSessionFlow(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})

	local, remote := net.Pipe()
	h.sw.HandleStream(testPeer, local)

	// The remote opens the session with its query frame.
	query := testQuery(0)
	writeErr := make(chan error, 1)
	go func() {
		remote.SetWriteDeadline(time.Now().Add(testTimeout))
		writeErr <- qwire.WriteMessageFrame(
			msgio.NewVarintWriter(remote), &query,
		)
	}()

	event := h.nextEvent()
	inbound, ok := event.(*NewInboundQuery)
	if !ok {
		t.Fatalf("expected NewInboundQuery, got %T", event)
	}
	if inbound.Peer != testPeer {
		t.Fatalf("query from %v, expected %v", inbound.Peer, testPeer)
	}
	if inbound.Query != query {
		t.Fatalf("query mismatch: expected %v, got %v", query,
			inbound.Query)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("unable to write query frame: %v", err)
	}

	// Stream two headers and the Fin back; the remote observes them in
	// order, then the substream closes.
	items := []qwire.Data{
		testHeaderData(0), testHeaderData(1), &qwire.Fin{},
	}

	read := make(chan error, 1)
	go func() {
		reader := msgio.NewVarintReader(remote)
		for i, expected := range items {
			remote.SetReadDeadline(time.Now().Add(testTimeout))
			data, err := qwire.ReadDataFrame(reader)
			if err != nil {
				read <- fmt.Errorf("frame %d: %v", i, err)
				return
			}
			if data.MsgType() != expected.MsgType() {
				read <- fmt.Errorf("frame %d: expected %v, "+
					"got %v", i, expected.MsgType(),
					data.MsgType())
				return
			}
		}

		// Nothing follows the Fin: the next read observes the
		// substream close.
		remote.SetReadDeadline(time.Now().Add(testTimeout))
		if _, err := reader.ReadMsg(); err != io.EOF {
			read <- fmt.Errorf("expected EOF after Fin, got %v",
				err)
			return
		}
		read <- nil
	}()

	for _, item := range items {
		if err := h.sw.SendData(item, inbound.SessionID); err != nil {
			t.Fatalf("unable to send data: %v", err)
		}
	}

	select {
	case err := <-read:
		if err != nil {
			t.Fatalf("remote read failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("remote reader wedged")
	}

	// The session id is retired once the Fin drained.
	err := waitForErr(func() error {
		return h.sw.SendData(testHeaderData(9), inbound.SessionID)
	}, ErrSessionIDNotFound)
	if err != nil {
		t.Fatalf("session not retired: %v", err)
	}
}

// waitForErr polls fn until it returns want, bounded by the test timeout.
func waitForErr(fn func() error, want error) error {
	deadline := time.Now().Add(testTimeout)
	var last error
	for time.Now().Before(deadline) {
		last = fn()
		if last == want {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return fmt.Errorf("last error %v, want %v", last, want)
}

// TestOutboundSessionFlow asserts the full outbound path against a
// connected peer: the query frame goes out, data frames surface as events
// in order, and the Fin terminates the session.
func TestOutboundSessionFlow(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{})
	h.sw.PeerConnected(testPeer)

	query := testQuery(0)
	id, err := h.sw.SendQuery(query, testPeer)
	if err != nil {
		t.Fatalf("unable to send query: %v", err)
	}

	conn := h.nextRemoteStream()
	if got := readQuery(t, conn); got != query {
		t.Fatalf("query mismatch: expected %v, got %v", query, got)
	}

	// Serve two headers and the Fin.
	writer := msgio.NewVarintWriter(conn)
	served := []qwire.Data{
		testHeaderData(0), testHeaderData(1), &qwire.Fin{},
	}
	go func() {
		for _, item := range served {
			conn.SetWriteDeadline(time.Now().Add(testTimeout))
			qwire.WriteMessageFrame(writer, item)
		}
	}()

	for i, expected := range served {
		event := h.nextEvent()
		data, ok := event.(*ReceivedData)
		if !ok {
			t.Fatalf("expected ReceivedData, got %T", event)
		}
		if data.SessionID != id {
			t.Fatalf("data on %v, expected %v", data.SessionID, id)
		}
		if data.Data.MsgType() != expected.MsgType() {
			t.Fatalf("frame %d: expected %v, got %v", i,
				expected.MsgType(), data.Data.MsgType())
		}
	}
}

// TestOutboundSessionTimeout asserts an idle substream terminates its
// session with ErrSessionTimeout.
func TestOutboundSessionTimeout(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t, Config{
		SubstreamTimeout: 100 * time.Millisecond,
	})
	h.sw.PeerConnected(testPeer)

	id, err := h.sw.SendQuery(testQuery(0), testPeer)
	if err != nil {
		t.Fatalf("unable to send query: %v", err)
	}

	// Accept the query but never serve a single frame.
	conn := h.nextRemoteStream()
	readQuery(t, conn)

	event := h.nextEvent()
	failure, ok := event.(*SessionFailed)
	if !ok {
		t.Fatalf("expected SessionFailed, got %T", event)
	}
	if failure.SessionID != id {
		t.Fatalf("failure on %v, expected %v", failure.SessionID, id)
	}
	if failure.Err != ErrSessionTimeout {
		t.Fatalf("expected ErrSessionTimeout, got %v", failure.Err)
	}
}
