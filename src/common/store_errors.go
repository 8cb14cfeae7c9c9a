package common

import (
	"errors"
	"fmt"
)

// StoreErrType enumerates the failure modes of a Store lookup or insertion.
type StoreErrType uint32

const (
	// KeyNotFound means no value is stored under the key.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists means an insert-only operation found a previous value.
	KeyAlreadyExists
	// Corrupted means the stored bytes could not be decoded.
	Corrupted
	// Closed means the store was used after Close.
	Closed
)

// StoreErr is the error returned by Store implementations. It records the
// kind of object (dataType), the key, and what went wrong.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Corrupted:
		m = "Corrupted"
	case Closed:
		m = "Closed"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that it's code matches
// the provided StoreErr code. Wrapped errors are unwrapped.
func IsStore(err error, t StoreErrType) bool {
	var storeErr StoreErr
	return errors.As(err, &storeErr) && storeErr.errType == t
}
