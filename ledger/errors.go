package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange   = errors.New("transfer range is empty or out of bounds")
	ErrWrongBlock     = errors.New("transfer is not for the current block")
	ErrOverlap        = errors.New("transfers in one transaction overlap")
	ErrNotOwner       = errors.New("sender does not own the affected range")
	ErrAlreadySpent   = errors.New("affected range was already modified in this block")
	ErrUnfunded       = errors.New("transfer span is not fully covered by owned ranges")
	ErrMalformedTx    = errors.New("malformed transaction")
	ErrInvalidDeposit = errors.New("invalid deposit")

	// ErrReentrant means StartNewBlock was called while a seal was already
	// in progress. It is a programming error.
	ErrReentrant = errors.New("block seal already in progress")

	ErrNotInitialized = errors.New("ledger not initialized")
)

// ValidationError is a declined request. No state was changed.
type ValidationError struct {
	Reason error
	Index  int
	Detail string
}

func (ve *ValidationError) Error() string {
	if ve.Detail == "" {
		return fmt.Sprintf("transfer %d rejected: %s", ve.Index, ve.Reason)
	}
	return fmt.Sprintf("transfer %d rejected: %s (%s)", ve.Index, ve.Reason, ve.Detail)
}

func (ve *ValidationError) Unwrap() error {
	return ve.Reason
}

func reject(index int, reason error, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Index: index, Detail: detail}
}

// IsValidation reports whether err declined a request without touching state.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, ErrWrongBlock):
		return "wrong_block"
	case errors.Is(err, ErrOverlap):
		return "overlap"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrAlreadySpent):
		return "already_spent"
	case errors.Is(err, ErrUnfunded):
		return "unfunded"
	case errors.Is(err, ErrMalformedTx):
		return "malformed"
	default:
		return "other"
	}
}
