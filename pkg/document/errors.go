package document

import "errors"

var (
	// ErrImmutableID is returned for any write to the reserved id field.
	ErrImmutableID = errors.New("document id is immutable")

	ErrFieldNotFound    = errors.New("field not found")
	ErrDuplicateID      = errors.New("document id already exists")
	ErrDocumentNotFound = errors.New("document not found")
	ErrDeleted          = errors.New("document is deleted")
	ErrInvalidPath      = errors.New("invalid field path")
	ErrInvalidID        = errors.New("invalid document id")
)
