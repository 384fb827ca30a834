package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchError is a per-candidate fetch failure. Timeout distinguishes a page
// that did not load in time from any other failure.
type FetchError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err for url, marking it as a timeout when err is a
// deadline expiry or a network timeout.
func NewFetchError(url string, err error) *FetchError {
	return &FetchError{URL: url, Err: err, Timeout: isTimeout(err)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsFetchTimeout reports whether err is a timeout-flavored fetch failure.
func IsFetchTimeout(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Timeout
	}
	return isTimeout(err)
}
