package headerdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quarrynet/quarry/qwire"
	bolt "go.etcd.io/bbolt"
)

const (
	dbName           = "headers.db"
	dbFilePermission = 0600
)

var (
	// headerBucket stores serialized block headers keyed by their
	// big-endian block number, so cursor scans iterate in chain order.
	headerBucket = []byte("header-bucket")

	// hashIndexBucket maps a block hash to the big-endian block number it
	// was stored under, allowing hash locators to be resolved.
	hashIndexBucket = []byte("hash-index-bucket")

	// byteOrder is the byte order used for all numeric keys.
	byteOrder = binary.BigEndian

	// ErrHeaderNotFound is returned when a fetch targets a block the
	// store has no header for.
	ErrHeaderNotFound = fmt.Errorf("header not found")
)

// Store is the durable datastore backing the header sync protocol. The store
// holds the block headers this node is able to serve, indexed by both height
// and hash.
type Store struct {
	*bolt.DB
	dbPath string
}

// Open opens an existing header store, creating the backing database file
// and its buckets if needed.
func Open(dbPath string) (*Store, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(headerBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(hashIndexBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &Store{
		DB:     bdb,
		dbPath: dbPath,
	}, nil
}

// PutHeader writes the passed header into the store, updating the hash index
// as well. Writing a new header for an already populated height overwrites
// the previous entry, as a sync core re-writes headers past a reorg.
func (s *Store) PutHeader(header *qwire.BlockHeader) error {
	var key [8]byte
	byteOrder.PutUint64(key[:], uint64(header.Number))

	var buf bytes.Buffer
	if err := header.Encode(&buf); err != nil {
		return err
	}

	return s.Update(func(tx *bolt.Tx) error {
		headers := tx.Bucket(headerBucket)
		index := tx.Bucket(hashIndexBucket)

		// If a different header previously occupied this height, drop
		// its hash index entry before it becomes unreachable.
		if prev := headers.Get(key[:]); prev != nil {
			var prevHeader qwire.BlockHeader
			err := prevHeader.Decode(bytes.NewReader(prev))
			if err != nil {
				return err
			}
			if prevHeader.Hash != header.Hash {
				err := index.Delete(prevHeader.Hash[:])
				if err != nil {
					return err
				}
			}
		}

		if err := headers.Put(key[:], buf.Bytes()); err != nil {
			return err
		}

		return index.Put(header.Hash[:], key[:])
	})
}

// FetchHeaderByNumber fetches the header stored for the passed block number.
// ErrHeaderNotFound is returned if the store has no header at that height.
func (s *Store) FetchHeaderByNumber(n qwire.BlockNumber) (*qwire.BlockHeader,
	error) {

	var key [8]byte
	byteOrder.PutUint64(key[:], uint64(n))

	var header qwire.BlockHeader
	err := s.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(headerBucket).Get(key[:])
		if raw == nil {
			return ErrHeaderNotFound
		}

		return header.Decode(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, err
	}

	return &header, nil
}

// NumberByHash resolves a block hash to the block number it was stored
// under. ErrHeaderNotFound is returned for an unknown hash.
func (s *Store) NumberByHash(hash qwire.BlockHash) (qwire.BlockNumber, error) {
	var n qwire.BlockNumber
	err := s.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(hashIndexBucket).Get(hash[:])
		if raw == nil {
			return ErrHeaderNotFound
		}

		n = qwire.BlockNumber(byteOrder.Uint64(raw))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// FetchHeaderByHash fetches the header stored for the passed block hash.
func (s *Store) FetchHeaderByHash(hash qwire.BlockHash) (*qwire.BlockHeader,
	error) {

	n, err := s.NumberByHash(hash)
	if err != nil {
		return nil, err
	}

	return s.FetchHeaderByNumber(n)
}

// TipNumber returns the number of the highest stored header.
// ErrHeaderNotFound is returned for an empty store.
func (s *Store) TipNumber() (qwire.BlockNumber, error) {
	var n qwire.BlockNumber
	err := s.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(headerBucket).Cursor()
		key, _ := cursor.Last()
		if key == nil {
			return ErrHeaderNotFound
		}

		n = qwire.BlockNumber(byteOrder.Uint64(key))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}
