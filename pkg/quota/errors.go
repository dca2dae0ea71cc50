package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenLimitExceeded is returned when a single request asks for more
	// tokens than allowed.
	ErrTokenLimitExceeded = errors.New("token limit exceeded")

	// ErrInvalidKey is returned for an empty client key.
	ErrInvalidKey = errors.New("invalid client key")
)

// TokenLimitError describes which token ceiling was exceeded.
type TokenLimitError struct {
	Field     string
	Requested int64
	Limit     int64
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("%s of %d exceeds the limit of %d", e.Field, e.Requested, e.Limit)
}

func (e *TokenLimitError) Unwrap() error {
	return ErrTokenLimitExceeded
}
