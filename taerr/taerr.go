// Package taerr defines the error taxonomy surfaced by a TA sync run.
//
// Every failure that reaches a job result is a *Error carrying a Kind, a
// human-readable message and optional date/student context. Browser driver
// steps return them directly; the orchestrator collects them into the
// result's error list.
package taerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind string

const (
	KindAuthentication  Kind = "authentication"
	KindNavigation      Kind = "navigation"
	KindStudentNotFound Kind = "student_not_found"
	KindFormSubmission  Kind = "form_submission"
	KindBrowser         Kind = "browser"
	KindValidation      Kind = "validation"
)

// Error is one classified sync failure. Recoverable is reported as-is; no
// code path retries automatically.
type Error struct {
	Kind        Kind   `json:"type"`
	Message     string `json:"message"`
	Date        string `json:"date,omitempty"`
	StudentID   string `json:"studentId,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Err         error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Date != "" {
		msg += " (date " + e.Date + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message. A nil err yields a plain
// Error. An err that already is a *Error is returned unchanged so the
// innermost classification wins.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDate returns a copy of e carrying date context.
func (e *Error) WithDate(date string) *Error {
	c := *e
	c.Date = date
	return &c
}

// WithStudent returns a copy of e carrying student context.
func (e *Error) WithStudent(studentID string) *Error {
	c := *e
	c.StudentID = studentID
	return &c
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindBrowser for unclassified errors.
func KindOf(err error) Kind {
	if te, ok := As(err); ok {
		return te.Kind
	}
	return KindBrowser
}
