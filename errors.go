package bridge

import "errors"

var (
	// ErrStoreNotFound is returned for operations addressing an absent key.
	ErrStoreNotFound = errors.New("bridge: store not found")
	// ErrUnknownEndpoint is returned for endpoints that are not registered.
	ErrUnknownEndpoint = errors.New("bridge: unknown endpoint")
)
