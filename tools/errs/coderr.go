package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// CodeError is an error value carrying a stable numeric code plus a
// human-readable message. Handlers compare errors by code (see Is), so a
// wrapped or detailed copy still matches its prototype.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithDetail returns a copy of the error with extra detail appended.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// Wrap attaches a call stack to the error.
func (e *CodeError) Wrap() error {
	return pkgerr.WithStack(e)
}

// WrapMsg attaches detail and a call stack in one step.
func (e *CodeError) WrapMsg(detail string) error {
	return pkgerr.WithStack(e.WithDetail(detail))
}

// Is matches any error in target's chain that carries the same code.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code extracts the numeric code from err's chain, or 0 when err carries none.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Message extracts the public message from err's chain. Falls back to
// err.Error() for plain errors.
func Message(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Wrap attaches a call stack to an arbitrary error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

// WrapMsg annotates err with a message and a call stack.
func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(err, msg)
}

// New creates a plain (code-less) error with a call stack.
func New(msg string) error {
	return pkgerr.New(msg)
}
