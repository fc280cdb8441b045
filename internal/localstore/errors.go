package localstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadyExists     = errors.New("document already exists")
	ErrUnknownCollection = errors.New("unknown collection")
)

// ValidationError reports a document that does not match its collection
// schema.
type ValidationError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid document for %s: field %q %s", e.Collection, e.Field, e.Reason)
}
