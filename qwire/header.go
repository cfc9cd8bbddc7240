package qwire

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order within the header store.
var byteOrder = binary.BigEndian

// BlockNumber is the height of a block within the chain.
type BlockNumber uint64

// BlockHash is the canonical 32-byte hash identifying a block.
type BlockHash = chainhash.Hash

// SignatureSize is the size in bytes of a block signature.
const SignatureSize = 64

// BlockSignature is the aggregate signature attesting to a block header.
type BlockSignature [SignatureSize]byte

// BlockHeader contains the metadata of a single block. This is the unit
// streamed by header sessions and the value persisted by the header store.
type BlockHeader struct {
	// Number is the height of the block within the chain.
	Number BlockNumber

	// Hash is the block's own hash.
	Hash BlockHash

	// ParentHash is the hash of the block preceding this one.
	ParentHash BlockHash

	// Timestamp is the block's creation time in unix seconds.
	Timestamp int64
}

// Encode serializes the header into the passed writer.
func (h *BlockHeader) Encode(w io.Writer) error {
	var scratch [8]byte

	byteOrder.PutUint64(scratch[:], uint64(h.Number))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.Hash[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.ParentHash[:]); err != nil {
		return err
	}

	byteOrder.PutUint64(scratch[:], uint64(h.Timestamp))
	_, err := w.Write(scratch[:])
	return err
}

// Decode deserializes the header from the passed reader.
func (h *BlockHeader) Decode(r io.Reader) error {
	var scratch [8]byte

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}
	h.Number = BlockNumber(byteOrder.Uint64(scratch[:]))

	if _, err := io.ReadFull(r, h.Hash[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, h.ParentHash[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}
	h.Timestamp = int64(byteOrder.Uint64(scratch[:]))

	return nil
}
