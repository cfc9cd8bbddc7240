package qwire

import (
	"fmt"
	"io"
)

// Direction indicates which way a header query walks the chain from its
// starting block.
type Direction uint8

const (
	// Forward walks from the starting block towards the chain tip.
	Forward Direction = 0

	// Backward walks from the starting block towards genesis.
	Backward Direction = 1
)

// String returns a human readable description of the direction.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "Forward"
	case Backward:
		return "Backward"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// BlockHashOrNumber locates the starting block of a query either by its hash
// or by its height. It is a closed union: the only implementations are
// HashLocator and NumberLocator.
type BlockHashOrNumber interface {
	fmt.Stringer

	// isBlockLocator is a marker method sealing the union.
	isBlockLocator()
}

// HashLocator locates a block by its hash.
type HashLocator struct {
	Hash BlockHash
}

func (HashLocator) isBlockLocator() {}

// String returns a human readable description of the locator.
func (l HashLocator) String() string {
	return fmt.Sprintf("Hash(%v)", l.Hash)
}

// NumberLocator locates a block by its height.
type NumberLocator struct {
	Number BlockNumber
}

func (NumberLocator) isBlockLocator() {}

// String returns a human readable description of the locator.
func (l NumberLocator) String() string {
	return fmt.Sprintf("Number(%d)", uint64(l.Number))
}

// Locator start tags on the wire.
const (
	locatorHash   uint8 = 0
	locatorNumber uint8 = 1
)

// BlockQuery describes a range of block headers requested from a peer: up to
// Limit headers starting at Start, walking in Direction with a stride of Step
// blocks. Both locator variants are comparable value types, so a BlockQuery
// may be used directly as a map key.
type BlockQuery struct {
	// Start locates the first block of the range.
	Start BlockHashOrNumber

	// Direction is the direction the range is walked in.
	Direction Direction

	// Limit is the maximum number of headers returned. MUST be at least 1.
	Limit uint64

	// Step is the stride between consecutive returned headers. MUST be at
	// least 1.
	Step uint64
}

// Validate checks the query's fields against the protocol's bounds.
func (q *BlockQuery) Validate() error {
	if q.Start == nil {
		return fmt.Errorf("block query lacks a start locator")
	}
	if q.Limit < 1 {
		return fmt.Errorf("block query limit of %d is below the "+
			"minimum of 1", q.Limit)
	}
	if q.Step < 1 {
		return fmt.Errorf("block query step of %d is below the "+
			"minimum of 1", q.Step)
	}
	if q.Direction != Forward && q.Direction != Backward {
		return fmt.Errorf("unknown block query direction %d",
			uint8(q.Direction))
	}

	return nil
}

// Decode deserializes the query from the passed reader.
//
// This is part of the Message interface.
func (q *BlockQuery) Decode(r io.Reader) error {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return err
	}

	switch tag[0] {
	case locatorHash:
		var loc HashLocator
		if _, err := io.ReadFull(r, loc.Hash[:]); err != nil {
			return err
		}
		q.Start = loc

	case locatorNumber:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		q.Start = NumberLocator{
			Number: BlockNumber(byteOrder.Uint64(scratch[:])),
		}

	default:
		return fmt.Errorf("unknown block locator tag %d", tag[0])
	}

	var fields [17]byte
	if _, err := io.ReadFull(r, fields[:]); err != nil {
		return err
	}
	q.Direction = Direction(fields[0])
	q.Limit = byteOrder.Uint64(fields[1:9])
	q.Step = byteOrder.Uint64(fields[9:17])

	return q.Validate()
}

// Encode serializes the query into the passed writer.
//
// This is part of the Message interface.
func (q *BlockQuery) Encode(w io.Writer) error {
	if err := q.Validate(); err != nil {
		return err
	}

	switch loc := q.Start.(type) {
	case HashLocator:
		if _, err := w.Write([]byte{locatorHash}); err != nil {
			return err
		}
		if _, err := w.Write(loc.Hash[:]); err != nil {
			return err
		}

	case NumberLocator:
		var scratch [9]byte
		scratch[0] = locatorNumber
		byteOrder.PutUint64(scratch[1:], uint64(loc.Number))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown block locator type %T", q.Start)
	}

	var fields [17]byte
	fields[0] = byte(q.Direction)
	byteOrder.PutUint64(fields[1:9], q.Limit)
	byteOrder.PutUint64(fields[9:17], q.Step)
	_, err := w.Write(fields[:])
	return err
}

// MsgType returns the wire type of a block query.
//
// This is part of the Message interface.
func (q *BlockQuery) MsgType() MessageType {
	return MsgBlockQuery
}
