package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind is the closed set of failures the login flow reports.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindExpired
	KindInvalidState
	KindAlreadyClaimed
	KindStorage
	KindFeatureDisabled
	KindConfiguration
	KindRateLimited
	KindInvalidRequest
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindNotFound:        "not_found",
	KindExpired:         "expired",
	KindInvalidState:    "invalid_state",
	KindAlreadyClaimed:  "already_claimed",
	KindStorage:         "storage_failure",
	KindFeatureDisabled: "feature_disabled",
	KindConfiguration:   "configuration_error",
	KindRateLimited:     "rate_limited",
	KindInvalidRequest:  "invalid_request",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Error carries a kind plus enough context to log or render it.
// errors.Is matches on Kind alone, so any *Error compares equal to the
// sentinel of its kind.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "token not found"}
	ErrExpired           = &Error{Kind: KindExpired, Message: "token expired"}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Message: "invalid token state"}
	ErrAlreadyClaimed    = &Error{Kind: KindAlreadyClaimed, Message: "token already claimed"}
	ErrStorage           = &Error{Kind: KindStorage, Message: "token storage failure"}
	ErrFeatureDisabled   = &Error{Kind: KindFeatureDisabled, Message: "scan login disabled"}
	ErrConfiguration     = &Error{Kind: KindConfiguration, Message: "invalid configuration"}
	ErrRateLimitExceeded = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// KindOf returns the kind of err, or KindUnknown when err is not one of ours.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, op, msg string, cause error, details ...string) *Error {
	e := &Error{Kind: kind, Op: op, Message: msg, Err: cause}
	if len(details) > 1 {
		e.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			e.Details[details[i]] = details[i+1]
		}
	}
	return e
}
