package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind: класс ошибки панели
type Kind string

const (
	KindUnreachable    Kind = "unreachable"
	KindAuthFailed     Kind = "auth_failed"
	KindDuplicateEmail Kind = "duplicate_email"
	KindInvalidRequest Kind = "invalid_request"
	KindTransient      Kind = "transient"
	KindNotFound       Kind = "not_found"
)

// Error: ошибка вызова API панели
type Error struct {
	Kind   Kind
	Panel  Type
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Panel, e.Op, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает ошибки по Kind, чтобы работал errors.Is(err, panel.ErrNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Panel == "" && t.Op == ""
}

var (
	ErrUnreachable    = &Error{Kind: KindUnreachable}
	ErrAuthFailed     = &Error{Kind: KindAuthFailed}
	ErrDuplicateEmail = &Error{Kind: KindDuplicateEmail}
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// KindOf возвращает класс ошибки; сетевые ошибки и таймауты считаются unreachable
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnreachable
	}
	return KindTransient
}

func newError(p Type, op string, kind Kind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Panel: p, Op: op, Status: status, Msg: msg, Err: err}
}
