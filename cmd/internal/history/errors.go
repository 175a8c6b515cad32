package history

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("history engine closed")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrNotConfigured = errors.New("collaborator not configured")
)

// OpError carries the failing operation alongside a sentinel kind.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }
