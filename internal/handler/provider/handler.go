package provider

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/pkg/utils"
)

// Handler 后端列表的HTTP处理器
type Handler struct {
	providers       *ai.Set
	defaultProvider chat.Provider
}

// New 创建后端列表处理器
func New(providers *ai.Set, defaultProvider chat.Provider) *Handler {
	return &Handler{
		providers:       providers,
		defaultProvider: defaultProvider,
	}
}

// RegisterRoutes 注册后端相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/providers", h.handleListProviders)
}

// ListResponse 列出已配置的后端
type ListResponse struct {
	Default   chat.Provider   `json:"default"`
	Providers []ai.Descriptor `json:"providers"`
	Known     []chat.Provider `json:"known"`
}

// handleListProviders 列出所有已配置的后端
func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.providers.Describe()
	if providers == nil {
		providers = []ai.Descriptor{}
	}
	utils.RespondJSON(w, http.StatusOK, ListResponse{
		Default:   h.defaultProvider,
		Providers: providers,
		Known:     chat.Providers(),
	})
}
