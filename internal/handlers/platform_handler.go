package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/models"
)

// PlatformHandler exposes platform definitions, telemetry and selection
type PlatformHandler struct {
	platforms PlatformCatalog
	logger    arbor.ILogger
}

// NewPlatformHandler creates a new platform handler
func NewPlatformHandler(platforms PlatformCatalog, logger arbor.ILogger) *PlatformHandler {
	return &PlatformHandler{platforms: platforms, logger: logger}
}

// PlatformView pairs a platform's static definition with its live status
type PlatformView struct {
	Name         string                      `json:"name"`
	BaseURL      string                      `json:"baseUrl"`
	Capabilities models.PlatformCapabilities `json:"capabilities"`
	Workflows    []string                    `json:"workflows"`
	Status       models.PlatformStatus       `json:"status"`
}

// ListPlatformsHandler returns every platform in declaration order
// GET /api/platforms
func (h *PlatformHandler) ListPlatformsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	statuses := make(map[string]models.PlatformStatus)
	for _, st := range h.platforms.Statuses() {
		statuses[st.Name] = st
	}

	configs := h.platforms.Platforms()
	views := make([]PlatformView, 0, len(configs))
	for _, config := range configs {
		workflows := make([]string, 0, len(config.Workflows))
		for _, name := range []string{models.WorkflowSubmitPrompt, models.WorkflowForkProject} {
			if _, ok := config.Workflows[name]; ok {
				workflows = append(workflows, name)
			}
		}
		views = append(views, PlatformView{
			Name:         config.Name,
			BaseURL:      config.BaseURL,
			Capabilities: config.Capabilities,
			Workflows:    workflows,
			Status:       statuses[config.Name],
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"platforms": views})
}

// OptimalPlatformHandler picks the best platform for the requirements
// POST /api/platforms/optimal
func (h *PlatformHandler) OptimalPlatformHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.PlatformRequirements
	if err := DecodeJSON(r, &req); err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	name, err := h.platforms.GetOptimalPlatform(req)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"platform": name})
}
