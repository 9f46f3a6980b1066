package common

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata marks a malformed object, it is skipped.
	ErrMissingMetadata = errors.New("object is missing metadata")
	// ErrCRDNotRegistered is fatal at startup.
	ErrCRDNotRegistered = errors.New("NfsBucket custom resource definition is not registered")
	// ErrStreamTerminated is returned by a watch session that ended, the stream is reopened.
	ErrStreamTerminated = errors.New("watch stream terminated")
)

// MissingFieldError reports a required spec field that is absent, which means the installed
// schema does not match the one the controller expects.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %s is missing", e.Field)
}

// IsMissingField reports whether err is, or wraps, a MissingFieldError.
func IsMissingField(err error) bool {
	var missingField *MissingFieldError
	return errors.As(err, &missingField)
}
