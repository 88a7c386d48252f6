package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jmylchreest/livebridge/pkg/httpclient"
)

// ErrorCode is the closed set of connection failure classes callers act on.
type ErrorCode string

const (
	CodeTokenInvalid ErrorCode = "token_invalid"
	CodeTokenExpired ErrorCode = "token_expired"
	CodeRoomNotFound ErrorCode = "room_not_found"
	CodeRoomEnded    ErrorCode = "room_ended"
	CodeRoomFull     ErrorCode = "room_full"
	CodeNetwork      ErrorCode = "network"
	CodeUnknown      ErrorCode = "unknown"
)

var (
	// ErrManagerClosed is returned when connecting through a closed manager.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrAlreadyConnected is returned when Connect is called while a
	// connection is in progress or established.
	ErrAlreadyConnected = errors.New("already connecting or connected")

	// ErrTerminal is returned once the manager reached Disconnected. Only a
	// new manager (a reload) can connect again.
	ErrTerminal = errors.New("connection manager is in a terminal state")
)

// ConnectError is a classified connection failure.
type ConnectError struct {
	Code      ErrorCode
	Retryable bool
	Message   string
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewConnectError builds a ConnectError for code with its standard message
// and retryability.
func NewConnectError(code ErrorCode, err error) *ConnectError {
	return &ConnectError{
		Code:      code,
		Retryable: retryable(code),
		Message:   userMessage(code),
		Err:       err,
	}
}

func retryable(code ErrorCode) bool {
	switch code {
	case CodeRoomFull, CodeNetwork, CodeUnknown:
		return true
	default:
		return false
	}
}

func userMessage(code ErrorCode) string {
	switch code {
	case CodeTokenInvalid:
		return "access token was rejected, request a new one"
	case CodeTokenExpired:
		return "access token has expired, request a new one"
	case CodeRoomNotFound:
		return "room does not exist"
	case CodeRoomEnded:
		return "the broadcast has ended"
	case CodeRoomFull:
		return "room is full, retrying shortly"
	case CodeNetwork:
		return "network error while connecting"
	default:
		return "unexpected error while connecting"
	}
}

// messagePatterns maps provider error text to codes. Order matters: the
// more specific token expiry text must win over generic token failures.
var messagePatterns = []struct {
	code    ErrorCode
	needles []string
}{
	{CodeTokenExpired, []string{"token is expired", "token expired", "token has expired"}},
	{CodeTokenInvalid, []string{"invalid token", "unauthorized", "permission denied", "signature is invalid"}},
	{CodeRoomEnded, []string{"room closed", "room has ended", "room ended", "room_deleted"}},
	{CodeRoomNotFound, []string{"room not found", "requested room does not exist"}},
	{CodeRoomFull, []string{"room is full", "max participants", "participant limit", "limit exceeded"}},
	{CodeNetwork, []string{
		"connection refused", "connection reset", "no such host", "i/o timeout",
		"could not establish signal connection", "websocket", "unexpected eof",
	}},
}

// Classify maps err into the realtime error taxonomy. Token service HTTP
// statuses, LiveKit signal errors and network errors are recognised;
// anything else is CodeUnknown, which is retryable.
func Classify(err error) *ConnectError {
	if err == nil {
		return nil
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return NewConnectError(classifyStatus(se.StatusCode), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectError(CodeNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return NewConnectError(p.code, err)
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewConnectError(CodeNetwork, err)
	}

	return NewConnectError(CodeUnknown, err)
}

func classifyStatus(code int) ErrorCode {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CodeTokenInvalid
	case code == http.StatusNotFound:
		return CodeRoomNotFound
	case code == http.StatusGone:
		return CodeRoomEnded
	case code == http.StatusTooManyRequests || code == http.StatusConflict:
		return CodeRoomFull
	case code >= 500:
		return CodeNetwork
	default:
		return CodeUnknown
	}
}
