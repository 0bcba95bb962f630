package gakuen

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a client failure so the caller can decide
// whether to retry, deactivate stored credentials or surface the
// message to the end user.
type ErrorKind int

const (
	// KindLogin means the portal rejected the credentials. Never
	// retried, the stored credential should be treated as invalid.
	KindLogin ErrorKind = iota
	// KindNetwork is a transport failure or a non-200 status. Only
	// retried inside the bounded assignment walk.
	KindNetwork
	// KindData is a structural extraction failure. Per-record issues
	// are absorbed locally, a top-level one is fatal.
	KindData
	// KindPermission means a flow was invoked out of order. Always a
	// programming-contract violation.
	KindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindNetwork:
		return "network"
	case KindData:
		return "data"
	case KindPermission:
		return "permission"
	}
	return "unknown"
}

type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	HTTPStatus int
	// positional context for walk failures
	Item  int
	Total int

	cause error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("gakuen: %s/%s: %s (http %d)", e.Kind, e.Code, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("gakuen: %s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf reports the kind of err, or KindNetwork for plain transport
// errors that never made it into an *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNetwork
}

func loginError(code, message string) *Error {
	return &Error{Kind: KindLogin, Code: code, Message: message}
}

func networkError(code string, status int, cause error) *Error {
	msg := fmt.Sprintf("status %d", status)
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindNetwork, Code: code, Message: msg, HTTPStatus: status, cause: cause}
}

func dataError(code, message string) *Error {
	return &Error{Kind: KindData, Code: code, Message: message}
}

func permissionError(code, message string) *Error {
	return &Error{Kind: KindPermission, Code: code, Message: message}
}
