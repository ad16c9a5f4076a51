package errorsx

import (
	"fmt"
	"strings"
)

// ConfigError reports an option value that could not be coerced or is out of range.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " (%q)", e.Value)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// ConnectionError reports that the vendor transport could not be established
// or was lost beyond the retry budget.
type ConnectionError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := e.Provider + " connection failed"
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SessionClosedError reports an operation on a session that is not streaming.
type SessionClosedError struct {
	Op    string
	State string
}

func (e *SessionClosedError) Error() string {
	return e.Op + ": session not streaming (state " + e.State + ")"
}
