package errorx

import (
	"errors"
	"fmt"
	"time"
)

// Error is a domain failure with a stable code and a message that is safe to
// show to users. The wrapped cause is for logs only.
type Error struct {
	Code    Code
	Message string

	// Remaining is set on CooldownActive errors.
	Remaining time.Duration

	cause error
}

var (
	ErrInvalidTier         = &Error{Code: InvalidTier, Message: "invalid tier"}
	ErrUserNotFound        = &Error{Code: UserNotFound, Message: "user not found"}
	ErrNotFound            = &Error{Code: NotFound, Message: "not found"}
	ErrCooldownActive      = &Error{Code: CooldownActive, Message: "cooldown active"}
	ErrDuplicateDrawPeriod = &Error{Code: DuplicateDrawPeriod, Message: "draw already exists for period"}
	ErrLostRace            = &Error{Code: LostRace, Message: "concurrent update"}
	ErrDrawNotPending      = &Error{Code: DrawNotPending, Message: "draw is not pending"}
	ErrDrawBlocked         = &Error{Code: DrawBlocked, Message: "an earlier draw of the tier is still open"}
	ErrPersistence         = &Error{Code: PersistenceFailure, Message: "temporary storage failure"}
	ErrNetwork             = &Error{Code: NetworkFailure, Message: "temporary network failure"}
	ErrPayoutFailed        = &Error{Code: PayoutFailed, Message: "payout failed"}
	ErrManualReview        = &Error{Code: PayoutManualReview, Message: "payout requires manual review"}
	ErrIntegrity           = &Error{Code: IntegrityViolation, Message: "integrity violation"}
)

// New creates an error with the given code and user-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new coded error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Cooldown builds a CooldownActive error carrying the remaining wait.
func Cooldown(remaining time.Duration) *Error {
	return &Error{
		Code:      CooldownActive,
		Message:   fmt.Sprintf("cooldown active, retry in %s", remaining.Round(time.Second)),
		Remaining: remaining,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Kind returns the class of the error.
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// From extracts the first *Error in the chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the class of err, KindUnknown for uncoded errors.
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindUnknown
}

// Retryable reports whether the operation may be retried as-is.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
