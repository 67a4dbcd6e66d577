// Package keystore holds the decrypted DES key table (spec §4.7, §6) in an
// embedded Badger database: keys are loaded once at startup from the
// key-message decryption tool's output file and looked up read-only
// thereafter. Grounded on marmos91-dittofs's pkg/metadata/store/badger
// "open once, Update to write, View to read" usage of Badger as an
// embedded metadata store.
package keystore

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// KeySize is the length of a DES key in bytes.
const KeySize = 8

// tableHeaderSize is the 2-byte big-endian key count prefix of the
// decrypted key table file (spec §6).
const tableHeaderSize = 2

// entrySize is 2-byte key index + 8-byte key.
const entrySize = 2 + KeySize

// Store is a read-mostly Badger-backed lookup of key index -> DES key.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database at dir to back the
// key store. Call Close when done.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keystore: open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadTable parses a decrypted key table (2-byte count, then N * (2-byte
// index, 8-byte key)) and loads every entry into the store, overwriting any
// existing value for the same index.
func (s *Store) LoadTable(data []byte) (int, error) {
	if len(data) < tableHeaderSize {
		return 0, fmt.Errorf("keystore: key table too short: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	need := tableHeaderSize + count*entrySize
	if len(data) < need {
		return 0, fmt.Errorf("keystore: key table truncated: need %d bytes, have %d", need, len(data))
	}

	return count, s.db.Update(func(txn *badger.Txn) error {
		off := tableHeaderSize
		for i := 0; i < count; i++ {
			index := binary.BigEndian.Uint16(data[off : off+2])
			key := append([]byte(nil), data[off+2:off+entrySize]...)
			if err := txn.Set(dbKey(uint64(index)), key); err != nil {
				return fmt.Errorf("keystore: set key %d: %w", index, err)
			}
			off += entrySize
		}
		return nil
	})
}

// Lookup returns the 8-byte DES key for index, or ok=false if absent.
func (s *Store) Lookup(index uint64) (key [KeySize]byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(dbKey(index))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			copy(key[:], val)
			return nil
		})
	})
	return key, ok, err
}

func dbKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append([]byte("key:"), b...)
}
