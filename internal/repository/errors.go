package repository

import "errors"

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique constraint rejects an
	// insert of an aggregate that must exist at most once (balances).
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicateSource is returned when the partial unique index on
	// (source, source_id) rejects a transaction insert. The check and the
	// insert are one atomic operation at the store.
	ErrDuplicateSource = errors.New("duplicate transaction source")
)
