package kvstore

import "errors"

// Sentinel errors for the request dispatcher, mirroring the protocol
// category of the root package's error taxonomy (spec §7) but scoped
// to this package so internal/kvstore never needs to import the root
// module (which itself imports internal/kvstore to wire KVStore into a
// Node).
var (
	ErrUnknownCommand = errors.New("kvstore: unknown command")
	ErrMissingParams  = errors.New("kvstore: missing request parameters")
	ErrEmptyKeyList   = errors.New("kvstore: empty key list where one is required")
)
