package qwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// MaxFramePayload is the maximum number of bytes a single framed message may
// occupy on the wire. Frames larger than this are rejected before decoding.
const MaxFramePayload = 4096

// MessageType is the unique 1-byte integer that indicates the type of message
// on the wire. Every frame of a header session starts with this tag. We omit
// a length field as each message travels inside a varint length-delimited
// frame supplied by the substream framing layer.
type MessageType uint8

// The currently defined message types within the header sync protocol.
const (
	MsgBlockQuery         MessageType = 1
	MsgHeaderAndSignature MessageType = 2
	MsgFin                MessageType = 3
)

// String returns a human readable description of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgBlockQuery:
		return "BlockQuery"
	case MsgHeaderAndSignature:
		return "HeaderAndSignature"
	case MsgFin:
		return "Fin"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// UnknownMessageError is an implementation of the error interface that
// reports the receipt of a frame carrying an unrecognized message type.
type UnknownMessageError struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessageError) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// Message is an interface that defines a header sync wire message. The
// interface is general in order to allow implementing types full control over
// the representation of their data.
type Message interface {
	Decode(io.Reader) error
	Encode(io.Writer) error
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgBlockQuery:
		msg = &BlockQuery{}
	case MsgHeaderAndSignature:
		msg = &HeaderAndSignature{}
	case MsgFin:
		msg = &Fin{}
	default:
		return nil, &UnknownMessageError{msgType}
	}

	return msg, nil
}

// WriteMessageFrame serializes the target message as a single varint
// length-delimited frame: a 1-byte type tag followed by the message payload.
func WriteMessageFrame(w msgio.Writer, msg Message) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.MsgType()))
	if err := msg.Encode(&buf); err != nil {
		return err
	}

	if buf.Len() > MaxFramePayload {
		return fmt.Errorf("frame payload of %v bytes exceeds limit of "+
			"%v bytes", buf.Len(), MaxFramePayload)
	}

	return w.WriteMsg(buf.Bytes())
}

// readMessageFrame reads the next frame off the passed reader and decodes it
// into the proper concrete message type.
func readMessageFrame(r msgio.Reader) (Message, error) {
	payload, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer r.ReleaseMsg(payload)

	if len(payload) == 0 {
		return nil, fmt.Errorf("empty message frame")
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("frame payload of %v bytes exceeds "+
			"limit of %v bytes", len(payload), MaxFramePayload)
	}

	msg, err := makeEmptyMessage(MessageType(payload[0]))
	if err != nil {
		return nil, err
	}

	if err := msg.Decode(bytes.NewReader(payload[1:])); err != nil {
		return nil, err
	}

	return msg, nil
}

// ReadQueryFrame reads the next frame off the passed reader, requiring it to
// be the BlockQuery that opens an inbound session.
func ReadQueryFrame(r msgio.Reader) (*BlockQuery, error) {
	msg, err := readMessageFrame(r)
	if err != nil {
		return nil, err
	}

	query, ok := msg.(*BlockQuery)
	if !ok {
		return nil, fmt.Errorf("expected %v as first session frame, "+
			"got %v", MsgBlockQuery, msg.MsgType())
	}

	return query, nil
}

// ReadDataFrame reads the next frame off the passed reader, requiring it to
// be one of the Data variants of an active session's stream.
func ReadDataFrame(r msgio.Reader) (Data, error) {
	msg, err := readMessageFrame(r)
	if err != nil {
		return nil, err
	}

	data, ok := msg.(Data)
	if !ok {
		return nil, fmt.Errorf("expected data frame, got %v",
			msg.MsgType())
	}

	return data, nil
}
