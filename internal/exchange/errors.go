package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies exchange failures so strategies can decide whether to
// retry, defer, or persist a failed trade.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses after the
	// client's own retries are exhausted.
	KindTransient Kind = iota
	// KindAuth covers signature and credential failures, including clock
	// skew that resync could not fix. Not retried.
	KindAuth
	// KindRejected covers business rejections: insufficient balance, min
	// notional, bad precision. Persisted as a failed trade, never retried.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the typed error every client method returns on exchange-side
// failure. Code carries the exchange's own error code when one was present.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange %s error [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s error: %s", e.Kind, e.Message)
}

func transientErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: fmt.Sprintf(format, args...)}
}

func authErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: fmt.Sprintf(format, args...)}
}

func rejectedErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindRejected, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is an exchange error of the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// IsRejected reports whether err is a business rejection.
func IsRejected(err error) bool { return IsKind(err, KindRejected) }

// IsAuth reports whether err is an auth/signature failure.
func IsAuth(err error) bool { return IsKind(err, KindAuth) }

// IsTransient reports whether err is a retryable-but-exhausted failure.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }
