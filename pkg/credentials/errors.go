package credentials

import (
	"errors"
	"net/http"
)

// Error kinds. Compare with errors.Is.
var (
	ErrServerMisconfigured = errors.New("server misconfigured")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMissingConfig       = errors.New("missing config")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrBadRequest          = errors.New("bad request")
)

const (
	MsgPasswordNotConfigured  = "服务器未配置访问密码"
	MsgPasswordMismatch       = "访问密码错误"
	MsgServerConfigIncomplete = "服务器端 LLM 配置不完整"
	MsgDisclosureIncomplete   = "LLM配置不完整"
	MsgMissingConfig          = "Missing required parameter: config"
	MsgInvalidConfig          = "Invalid config: missing type or apiKey"
	MsgMissingMessages        = "Missing required parameters: messages"
)

// Error is a classified pre-stream failure. Message is safe to return to the
// caller; Status is the HTTP status it maps to.
type Error struct {
	Kind    error
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Message: msg}
}

// BadRequest builds a 400 error for malformed caller input.
func BadRequest(msg string) *Error {
	return newError(ErrBadRequest, http.StatusBadRequest, msg)
}

// StatusOf maps err to an HTTP status, defaulting to 500 for unclassified
// errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
