package domain

import "fmt"

// Sentinel errors for the streaming engine. Each terminal failure class
// from the orchestrator maps to exactly one sentinel so callers can
// branch with errors.Is.
var (
	// ErrNoAvailableModel: resolution found no model × provider pair with
	// usable credentials. Surfaced before any network call.
	ErrNoAvailableModel = fmt.Errorf("no available model")
	// ErrProviderNotFound: a provider id named in config or a model
	// identifier does not exist in the registry.
	ErrProviderNotFound = fmt.Errorf("provider not found")
	// ErrProtocolNotFound: a provider references an unregistered protocol.
	ErrProtocolNotFound = fmt.Errorf("protocol not found")
	// ErrTransport: connect, send, or mid-stream read failure.
	ErrTransport = fmt.Errorf("transport failure")
	// ErrHTTPStatus: upstream responded with status >= 400.
	ErrHTTPStatus = fmt.Errorf("http error status")
	// ErrStreamTimeout: no bytes arrived within the inter-chunk timeout.
	ErrStreamTimeout = fmt.Errorf("stream timeout")
	// ErrDecode: invalid UTF-8 in a frame or a fatal protocol parse error.
	// Malformed partial tool-call JSON is never a decode error; it is
	// deferred until more deltas arrive.
	ErrDecode = fmt.Errorf("stream decode failure")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "StreamHandler.StreamCompletion")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
