package kv

import (
	"errors"
	"fmt"
)

// NonExistentKeyError is returned by every engine's Store.Get when a key has no value.
// Engines disagree about how to say "missing" (nil value with nil error, or a private sentinel),
// so adapters funnel their results through [RegularizeKVError].
type NonExistentKeyError struct {
	Key        []byte
	Underlying error
}

func (neke *NonExistentKeyError) Error() string {
	if neke.Underlying != nil {
		return fmt.Sprintf("key %x does not exist or has no value: %s", neke.Key, neke.Underlying)
	}
	return fmt.Sprintf("key %x does not exist or has no value", neke.Key)
}

func (neke *NonExistentKeyError) Unwrap() error {
	return neke.Underlying
}

// RegularizeKVError returns a regularized error for a key-value store.
// notFound lists engine sentinels that also mean "missing"; they are wrapped rather than passed through.
func RegularizeKVError(key []byte, value []byte, err error, notFound ...error) error {
	switch {
	case err == nil && value != nil:
		return nil
	case err == nil:
		return &NonExistentKeyError{Key: key}
	case value == nil:
		return &NonExistentKeyError{Key: key, Underlying: err}
	}
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			return &NonExistentKeyError{Key: key, Underlying: err}
		}
	}
	return err
}

// IsNonExistentKey returns true if the error is a [NonExistentKeyError].
func IsNonExistentKey(err error) bool {
	var neke *NonExistentKeyError
	return errors.As(err, &neke)
}
