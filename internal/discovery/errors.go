package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrDiscoveryUnavailable is returned when the editor manifest cannot be
// fetched or understood.
var ErrDiscoveryUnavailable = errors.New("wopi discovery unavailable")

// FetchError describes a failed discovery refresh.
type FetchError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("wopi discovery at %s timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("wopi discovery at %s failed: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrDiscoveryUnavailable, e.Err}
}

// IsTimeout reports whether err is a discovery failure caused by a timeout.
func IsTimeout(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Timeout
}

func newFetchError(url string, err error) *FetchError {
	return &FetchError{URL: url, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
