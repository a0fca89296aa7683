package kv

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"git.tcp.direct/kayos/common/entropy"
)

func TestRecordKey(t *testing.T) {
	ids := []uint64{0, 1, 255, 256, 1 << 40, 7}
	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		k := RecordKey(id)
		got, err := RecordID(k)
		if err != nil {
			t.Fatalf("[FAIL] RecordID(%x): %v", k, err)
		}
		if got != id {
			t.Errorf("[FAIL] wanted %d, got %d", id, got)
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	var last uint64
	for i, k := range keys {
		id, _ := RecordID(k)
		if i > 0 && id < last {
			t.Errorf("[FAIL] keys do not sort in id order: %d after %d", id, last)
		}
		last = id
	}
	if _, err := RecordID([]byte(entropy.RandStr(3))); !errors.Is(err, ErrBadRecordKey) {
		t.Errorf("[FAIL] expected ErrBadRecordKey, got %v", err)
	}
}

func TestRecordSize(t *testing.T) {
	v := []byte(entropy.RandStr(55))
	r := Record{Store: "games", Key: RecordKey(1), Value: v}
	if r.Size() != int64(RecordKeySize+55+EntryOverhead) {
		t.Errorf("[FAIL] unexpected size %d", r.Size())
	}
}

func TestRegularizeKVError(t *testing.T) {
	sentinel := errors.New("engine says not found")
	other := errors.New("disk on fire")
	key := []byte("yeet")

	if err := RegularizeKVError(key, []byte("v"), nil); err != nil {
		t.Errorf("[FAIL] expected nil, got %v", err)
	}
	if err := RegularizeKVError(key, nil, nil); !IsNonExistentKey(err) {
		t.Errorf("[FAIL] nil value and nil error should be missing, got %v", err)
	}
	if err := RegularizeKVError(key, nil, other); !IsNonExistentKey(err) || !errors.Is(err, other) {
		t.Errorf("[FAIL] nil value with error should wrap, got %v", err)
	}
	if err := RegularizeKVError(key, []byte{}, sentinel, sentinel); !IsNonExistentKey(err) {
		t.Errorf("[FAIL] engine sentinel should be regularized, got %v", err)
	}
	if err := RegularizeKVError(key, []byte{}, other, sentinel); IsNonExistentKey(err) {
		t.Errorf("[FAIL] unrelated error should pass through, got %v", err)
	}
}
