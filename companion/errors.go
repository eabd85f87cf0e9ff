package companion

import "fmt"

// AuthError is returned when a companion request receives a 401. Callers
// type-assert or errors.As for IsAuthError() to distinguish it from a
// generic transport failure.
type AuthError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *AuthError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("companion: authentication required (requestId=%s): %s", e.RequestID, e.Message)
	}
	return fmt.Sprintf("companion: authentication required: %s", e.Message)
}

// IsAuthError satisfies the typed-error convention used throughout this
// module (see restriction.Error.IsRestriction) so callers can branch on
// errors.As(err, &authErr) without importing this package's concrete type.
func (e *AuthError) IsAuthError() bool { return true }

// ResponseError wraps a non-2xx, non-401 companion response, enriched with
// whatever {message, requestId} body the companion returned.
type ResponseError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *ResponseError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("companion: request failed (status=%d, requestId=%s): %s", e.Status, e.RequestID, e.Message)
	}
	return fmt.Sprintf("companion: request failed (status=%d): %s", e.Status, e.Message)
}
