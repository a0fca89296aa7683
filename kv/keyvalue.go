// Package kv holds the key layout shared by the engines and the bulk-load worker.
package kv

import (
	"encoding/binary"
	"errors"
)

// RecordKeySize is the length of every record key.
const RecordKeySize = 8

var ErrBadRecordKey = errors.New("malformed record key")

// RecordKey encodes a record id. Keys sort in id order.
func RecordKey(id uint64) []byte {
	k := make([]byte, RecordKeySize)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// RecordID decodes a key produced by [RecordKey].
func RecordID(key []byte) (uint64, error) {
	if len(key) != RecordKeySize {
		return 0, ErrBadRecordKey
	}
	return binary.BigEndian.Uint64(key), nil
}

// Record is one key/value pair bound for a named store.
type Record struct {
	Store string
	Key   []byte
	Value []byte
}

// Size is the number of bytes the record is charged against its store's capacity.
// The fixed overhead approximates the per-entry header both engines write.
func (r Record) Size() int64 {
	return int64(len(r.Key)+len(r.Value)) + EntryOverhead
}

// EntryOverhead is charged per record on top of key and value length.
const EntryOverhead = 16
