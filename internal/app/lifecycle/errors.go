package lifecycle

import (
	"errors"
	"fmt"

	"github.com/gigboard/project/internal/store"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("caller is not a party to this record")
	ErrInvalidState          = errors.New("transition not allowed from current state")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// storeErr maps store failures that carry no transition context.
func storeErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrConditionFailed):
		return fmt.Errorf("%w: %s", ErrInvalidState, what)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDependencyUnavailable, what, err)
	}
}
