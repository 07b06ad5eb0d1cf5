package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind int

const (
	// KindTransient covers timeouts, 5xx and refused connections. Retried.
	KindTransient Kind = iota + 1
	// KindRejected is a permanent per-message failure such as an invalid recipient.
	KindRejected
	// KindConfiguration means missing or invalid credentials and needs an operator.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Gateway string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s gateway %s error: %v", e.Gateway, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(gateway string, err error) error {
	return &Error{Kind: KindTransient, Gateway: gateway, Err: err}
}

func Rejected(gateway string, err error) error {
	return &Error{Kind: KindRejected, Gateway: gateway, Err: err}
}

func Misconfigured(gateway string, err error) error {
	return &Error{Kind: KindConfiguration, Gateway: gateway, Err: err}
}

// KindOf classifies any error returned from a send. A fired client-side
// deadline is transient; unclassified errors are treated as transient so the
// retry queue, which is bounded, gets a chance at them.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// classifyHTTP maps the status code observed on the wire to an error kind.
// status is zero when no response was received.
func classifyHTTP(gateway string, status int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(gateway, err)
	}
	switch {
	case status == 0:
		return Transient(gateway, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Misconfigured(gateway, err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Transient(gateway, err)
	case status >= 400:
		return Rejected(gateway, err)
	default:
		return Transient(gateway, err)
	}
}

type statusKey struct{}

// statusRecorder remembers the HTTP status seen by a provider SDK so that its
// errors can be classified without depending on SDK error types. The status
// lands in a slot carried by the request context, one per send.
type statusRecorder struct {
	next http.RoundTripper
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if slot, ok := req.Context().Value(statusKey{}).(*int); ok && resp != nil {
		*slot = resp.StatusCode
	}
	return resp, err
}

func withStatusSlot(ctx context.Context) (context.Context, *int) {
	slot := new(int)
	return context.WithValue(ctx, statusKey{}, slot), slot
}

func newRecordingClient(base http.RoundTripper, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Transport: &statusRecorder{next: base}, Timeout: timeout}
}
