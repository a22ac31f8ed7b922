// Package apierror maps bridge errors onto stable client codes and HTTP statuses.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/pkg/utils"
)

const (
	CodeProtocol        = "protocol_error"
	CodeSessionNotFound = "session_not_found"
	CodeSessionExists   = "session_exists"
	CodeSessionBusy     = "session_busy"
	CodeResetRequired   = "reset_required"
	CodeSessionClosed   = "session_closed"
	CodeTurnCancelled   = "turn_cancelled"
	CodeUnknownProvider = "unknown_provider"
	CodeInternal        = "internal_error"
)

// Error is the JSON body returned to clients.
type Error struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Fallback  string `json:"response,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// FromError classifies err. Unknown errors become internal_error without leaking details.
func FromError(err error) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var protoErr *chat.ProtocolError
	if errors.As(err, &protoErr) {
		return &Error{Code: CodeProtocol, Message: protoErr.Reason}, http.StatusBadRequest
	}

	var provErr *ai.Error
	if errors.As(err, &provErr) {
		return &Error{
			Code:     provErr.Code(),
			Message:  string(provErr.Kind),
			Provider: string(provErr.Provider),
		}, statusFromCode(provErr.Code())
	}

	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		return &Error{Code: CodeSessionNotFound, Message: err.Error()}, http.StatusNotFound
	case errors.Is(err, chat.ErrSessionExists):
		return &Error{Code: CodeSessionExists, Message: err.Error()}, http.StatusConflict
	case errors.Is(err, chat.ErrSessionBusy):
		return &Error{Code: CodeSessionBusy, Message: err.Error()}, http.StatusConflict
	case errors.Is(err, chat.ErrResetRequired):
		return &Error{Code: CodeResetRequired, Message: err.Error()}, http.StatusConflict
	case errors.Is(err, chat.ErrSessionClosed):
		return &Error{Code: CodeSessionClosed, Message: err.Error()}, http.StatusGone
	case errors.Is(err, chat.ErrTurnCancelled), errors.Is(err, context.Canceled):
		return &Error{Code: CodeTurnCancelled, Message: "turn cancelled"}, http.StatusConflict
	case errors.Is(err, chat.ErrUnknownProvider):
		return &Error{Code: CodeUnknownProvider, Message: err.Error()}, http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: ai.CodeTimeout, Message: "request timeout"}, http.StatusGatewayTimeout
	}

	return &Error{Code: CodeInternal, Message: "internal error"}, http.StatusInternalServerError
}

// Code returns only the client code for err.
func Code(err error) string {
	e, _ := FromError(err)
	if e == nil {
		return ""
	}
	return e.Code
}

func statusFromCode(code string) int {
	switch code {
	case ai.CodeTimeout:
		return http.StatusGatewayTimeout
	case ai.CodeRejected, ai.CodeMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body with its mapped status.
func Respond(w http.ResponseWriter, err error) {
	e, status := FromError(err)
	utils.RespondJSON(w, status, e)
}
