package core

import "errors"

// Control plane error taxonomy. Callers wrap these with fmt.Errorf("%w: ...")
// and transports map them to status codes with errors.Is.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrUnsupportedKey          = errors.New("unsupported configuration key")
	ErrMissingField            = errors.New("missing required field")
	ErrInvalidType             = errors.New("invalid value type")
	ErrMalformedCredentialBlob = errors.New("malformed credential blob")
	ErrReinitFailure           = errors.New("backend re-initialization failed")
	ErrInternal                = errors.New("internal error")
)
