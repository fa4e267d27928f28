package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/xkilldash9x/querycore/api/schemas"
)

// ProviderError is returned by every remote client. Type carries the
// resilience category the failure belongs to.
type ProviderError struct {
	Type       schemas.ErrorType
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// errorTypeForStatus maps an HTTP status from a model API to an error category.
func errorTypeForStatus(status int) schemas.ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return schemas.ErrorRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return schemas.ErrorTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return schemas.ErrorValidation
	default:
		return schemas.ErrorAPI
	}
}

// transportError wraps a failure from the HTTP round trip itself.
func transportError(provider string, err error) *ProviderError {
	t := schemas.ErrorNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		t = schemas.ErrorTimeout
	}
	return &ProviderError{Type: t, Provider: provider, Err: err}
}

func statusError(provider string, status int, body []byte) *ProviderError {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &ProviderError{
		Type:       errorTypeForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Err:        fmt.Errorf("api error: %s", string(body)),
	}
}
