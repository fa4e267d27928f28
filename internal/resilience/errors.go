package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/llmclient"
)

var (
	// ErrAllProvidersOpen is returned by the breaker when no provider may be called.
	ErrAllProvidersOpen = errors.New("all providers are unavailable")
	// ErrNoProviders is returned when the breaker was built without providers.
	ErrNoProviders = errors.New("no providers registered")
	// ErrMessageNotFound is returned by DLQ operations on an unknown id.
	ErrMessageNotFound = errors.New("dead letter message not found")
)

// TypedError attaches a taxonomy category to an arbitrary error.
type TypedError struct {
	Type schemas.ErrorType
	Err  error
}

func (e *TypedError) Error() string { return fmt.Sprintf("%s: %v", e.Type, e.Err) }
func (e *TypedError) Unwrap() error { return e.Err }

// WithType tags err with t.
func WithType(t schemas.ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &TypedError{Type: t, Err: err}
}

// Classify maps any error to the failure taxonomy.
func Classify(err error) schemas.ErrorType {
	if err == nil {
		return ""
	}
	var perr *llmclient.ProviderError
	if errors.As(err, &perr) {
		return perr.Type
	}
	var terr *TypedError
	if errors.As(err, &terr) {
		return terr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schemas.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schemas.ErrorTimeout
		}
		return schemas.ErrorNetwork
	}
	return schemas.ErrorAPI
}
