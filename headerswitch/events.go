package headerswitch

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/quarrynet/quarry/qwire"
)

// OutboundSessionID identifies one locally initiated query session. IDs are
// strictly increasing from zero and unique for the process lifetime.
type OutboundSessionID uint64

// String returns a human readable representation of the session id.
func (id OutboundSessionID) String() string {
	return fmt.Sprintf("OutboundSessionID(%d)", uint64(id))
}

// InboundSessionID identifies one session initiated by a remote peer. IDs
// are strictly increasing from zero and unique for the process lifetime.
type InboundSessionID uint64

// String returns a human readable representation of the session id.
func (id InboundSessionID) String() string {
	return fmt.Sprintf("InboundSessionID(%d)", uint64(id))
}

// Event is a single event surfaced on the switch's event stream. It is a
// closed union of the variants below.
type Event interface {
	// isSwitchEvent is a marker method sealing the union.
	isSwitchEvent()
}

// NewInboundQuery signals that a remote peer opened a session carrying the
// enclosed query. The receiver is expected to stream the query's results
// back through SendData under the enclosed session id.
type NewInboundQuery struct {
	// Peer is the querying peer.
	Peer peer.ID

	// Query is the received query.
	Query qwire.BlockQuery

	// SessionID identifies the new inbound session.
	SessionID InboundSessionID
}

func (*NewInboundQuery) isSwitchEvent() {}

// ReceivedData signals that a data item arrived on an outbound session. A
// Fin item is the last event of its session.
type ReceivedData struct {
	// Data is the received item.
	Data qwire.Data

	// SessionID identifies the outbound session the item arrived on.
	SessionID OutboundSessionID
}

func (*ReceivedData) isSwitchEvent() {}

// SessionFailed signals that an outbound session terminated with an error
// before its Fin arrived. No further events follow for the session.
type SessionFailed struct {
	// SessionID identifies the failed outbound session.
	SessionID OutboundSessionID

	// Err describes the failure.
	Err error
}

func (*SessionFailed) isSwitchEvent() {}
