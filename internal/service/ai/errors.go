package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	arkmodel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"google.golang.org/genai"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// Kind classifies provider failures.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindRateLimited   Kind = "rate_limited"
	KindAuth          Kind = "auth"
	KindRejected      Kind = "rejected"
	KindMalformed     Kind = "malformed"
	KindNotConfigured Kind = "not_configured"
)

// External error codes reported to clients.
const (
	CodeTimeout   = "provider_timeout"
	CodeRejected  = "provider_rejected"
	CodeMalformed = "provider_malformed_response"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider chat.Provider
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s provider %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the kind onto the client-facing error classes.
func (e *Error) Code() string {
	switch e.Kind {
	case KindTimeout:
		return CodeTimeout
	case KindMalformed:
		return CodeMalformed
	default:
		return CodeRejected
	}
}

// KindOf extracts the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a provider error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Malformed builds a KindMalformed error.
func Malformed(provider chat.Provider, format string, args ...any) error {
	return &Error{Kind: KindMalformed, Provider: provider, Err: fmt.Errorf(format, args...)}
}

// Classify converts a raw SDK or transport error into an *Error. Cancellation by
// the caller is returned unchanged because it is not a provider failure.
func Classify(provider chat.Provider, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	}

	// Ark reports transport failures as a RequestError wrapping the net error.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		}
		return &Error{Kind: KindNetwork, Provider: provider, Err: err}
	}

	if status, ok := statusOf(err); ok {
		return &Error{Kind: kindFromStatus(status), Provider: provider, Status: status, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Error{Kind: KindNetwork, Provider: provider, Err: err}
	}

	return &Error{Kind: KindRejected, Provider: provider, Err: err}
}

func statusOf(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	var arkAPIErr *arkmodel.APIError
	if errors.As(err, &arkAPIErr) {
		return arkAPIErr.HTTPStatusCode, true
	}
	var arkReqErr *arkmodel.RequestError
	if errors.As(err, &arkReqErr) {
		return arkReqErr.HTTPStatusCode, true
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code, true
	}
	var geminiPtr *genai.APIError
	if errors.As(err, &geminiPtr) && geminiPtr != nil {
		return geminiPtr.Code, true
	}
	return 0, false
}

func kindFromStatus(status int) Kind {
	switch {
	case status > 0 && status < http.StatusBadRequest:
		// 成功状态码却无法解析响应体
		return KindMalformed
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindRejected
	}
}
