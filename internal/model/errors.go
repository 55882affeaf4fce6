package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Domain error kinds. Callers wrap these with eris and compare with errors.Is.
var (
	ErrNotFound     = eris.New("not found")
	ErrConflict     = eris.New("conflict")
	ErrPrecondition = eris.New("precondition failed")
	ErrInvalid      = eris.New("invalid input")
)

// IsDomainError reports whether err is one of the domain error kinds, which
// are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrInvalid)
}
