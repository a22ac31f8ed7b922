package ai

import (
	"context"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

type stubAdapter struct {
	kind  chat.Provider
	model string
	reply string
	err   error
}

func (s *stubAdapter) Kind() chat.Provider { return s.kind }
func (s *stubAdapter) Model() string       { return s.model }
func (s *stubAdapter) Generate(context.Context, Request) (string, error) {
	return s.reply, s.err
}
