package qwire

import (
	"fmt"
	"io"
)

// Data is a single item of a header session's data stream. It is a closed
// union: the only implementations are HeaderAndSignature and Fin. A Fin is
// always the last item of a session's stream; nothing follows it.
type Data interface {
	Message

	// isData is a marker method sealing the union.
	isData()
}

// Signature presence tags on the wire.
const (
	sigAbsent  uint8 = 0
	sigPresent uint8 = 1
)

// HeaderAndSignature carries one block header, optionally accompanied by its
// signature.
type HeaderAndSignature struct {
	// Header is the block header.
	Header BlockHeader

	// Signature attests to the header. It may be nil when the serving
	// node has no signature stored for the block.
	Signature *BlockSignature
}

func (*HeaderAndSignature) isData() {}

// Decode deserializes the data item from the passed reader.
//
// This is part of the Message interface.
func (d *HeaderAndSignature) Decode(r io.Reader) error {
	if err := d.Header.Decode(r); err != nil {
		return err
	}

	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return err
	}

	switch tag[0] {
	case sigAbsent:
		d.Signature = nil

	case sigPresent:
		var sig BlockSignature
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			return err
		}
		d.Signature = &sig

	default:
		return fmt.Errorf("unknown signature tag %d", tag[0])
	}

	return nil
}

// Encode serializes the data item into the passed writer.
//
// This is part of the Message interface.
func (d *HeaderAndSignature) Encode(w io.Writer) error {
	if err := d.Header.Encode(w); err != nil {
		return err
	}

	if d.Signature == nil {
		_, err := w.Write([]byte{sigAbsent})
		return err
	}

	if _, err := w.Write([]byte{sigPresent}); err != nil {
		return err
	}
	_, err := w.Write(d.Signature[:])
	return err
}

// MsgType returns the wire type of a header-and-signature item.
//
// This is part of the Message interface.
func (d *HeaderAndSignature) MsgType() MessageType {
	return MsgHeaderAndSignature
}

// Fin is the distinguished terminal marker of a session's data stream.
type Fin struct{}

func (*Fin) isData() {}

// Decode deserializes the marker from the passed reader. A Fin carries no
// payload.
//
// This is part of the Message interface.
func (f *Fin) Decode(r io.Reader) error {
	return nil
}

// Encode serializes the marker into the passed writer.
//
// This is part of the Message interface.
func (f *Fin) Encode(w io.Writer) error {
	return nil
}

// MsgType returns the wire type of the terminal marker.
//
// This is part of the Message interface.
func (f *Fin) MsgType() MessageType {
	return MsgFin
}
