package remote

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced at the dispatcher boundary. Backends wrap the
// raw transport error so the last detail stays attached:
//
//	fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrNetworkDropped     = errors.New("network connection dropped")
	ErrTLSFailure         = errors.New("tls negotiation failed")
	ErrProtocol           = errors.New("protocol error")
	ErrPermission         = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrNotConnected       = errors.New("not connected")
	ErrUnsupported        = errors.New("operation not supported")
	ErrCancelled          = errors.New("cancelled")
	ErrBucketAccessDenied = errors.New("bucket access denied")
)

// Internalf wraps an unclassified failure with detail.
func Internalf(format string, a ...interface{}) error {
	return fmt.Errorf("internal error: "+format, a...)
}

// IsRetryable reports whether the queue should re-run a failed transfer.
// The queue retries everything except explicit cancellation; auth and
// permission failures simply fail again quickly.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrCancelled)
}
