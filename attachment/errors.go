package attachment

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded  = errors.New("attachment: quota exceeded")
	ErrRejected       = errors.New("attachment: rejected")
	ErrObjectNotFound = errors.New("attachment: object not found")
)

// A Kind classifies upload failures.
type Kind int

const (
	NetworkFailure Kind = iota + 1
	QuotaExceeded
	Rejected
)

func (k Kind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case QuotaExceeded:
		return "quota_exceeded"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// An UploadError is returned when an attachment could not be stored. Nothing
// is resolvable at the attempted path after an UploadError.
type UploadError struct {
	Kind     Kind
	Category Category
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("attachment: upload %s: %s: %v", e.Category, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *UploadError of kind k.
func IsKind(err error, k Kind) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Kind == k
}

func classify(category Category, err error) *UploadError {
	kind := NetworkFailure
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		kind = QuotaExceeded
	case errors.Is(err, ErrRejected):
		kind = Rejected
	}
	return &UploadError{Kind: kind, Category: category, Err: err}
}
