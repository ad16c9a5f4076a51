package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError tags an error with the reason code logged and counted for it.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e *ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *ReasonedError) Unwrap() error { return e.Err }

// Wrap attaches reason to err. The innermost reason wins, so wrapping an
// already reasoned error returns it unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return &ReasonedError{Err: err, Reason: reason}
}

// Wrapf formats a new error, %w included, and tags it with reason.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return &ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason extracts the reason code of err, ReasonUnknown when untagged.
func Reason(err error) ReasonCode {
	var re *ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attr renders the reason code of err as a log attribute.
func Attr(err error) slog.Attr {
	return slog.String("reason_code", string(Reason(err)))
}
