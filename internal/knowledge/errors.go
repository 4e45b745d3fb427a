package knowledge

import "errors"

var (
	// ErrStoreCorrupted is returned by Open when persisted knowledge cannot be
	// decoded or violates profile invariants. The store refuses to serve until
	// the backend is repaired, restored or reset.
	ErrStoreCorrupted = errors.New("knowledge store corrupted")

	// ErrStoreWriteConflict marks a Put that lost against a stronger stored
	// profile. It never leaves the package: Put resolves it by keeping the
	// stronger profile.
	ErrStoreWriteConflict = errors.New("knowledge store write conflict")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("knowledge store closed")
)
