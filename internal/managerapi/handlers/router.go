package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers/dto"
	"github.com/RAYMONDNJOROGE/uptime-final/pkg/codes"
)

// RouterHandler exposes router health and catalogue endpoints.
type RouterHandler struct {
	svc AccountService
}

func NewRouterHandler(svc AccountService) *RouterHandler {
	return &RouterHandler{svc: svc}
}

// TestConnectivity handles GET /router/connectivity. The probe itself never
// fails, so the answer is always 200.
func (h *RouterHandler) TestConnectivity(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "TestConnectivity")
	report := h.svc.TestConnectivity(logCtx)
	status := codes.RouterReachable
	if !report.Reachable {
		status = codes.RouterUnreachable
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "report": report})
}

// GetResources handles GET /router/resources
func (h *RouterHandler) GetResources(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "GetResources")
	res, err := h.svc.SystemResources(logCtx)
	if err != nil {
		respondError(c, logCtx, "Read router resources", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListProfiles handles GET /profiles
func (h *RouterHandler) ListProfiles(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "ListProfiles")
	profiles, err := h.svc.ListUserProfiles(logCtx)
	if err != nil {
		respondError(c, logCtx, "List profiles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": profiles})
}

// ListPlans handles GET /plans
func (h *RouterHandler) ListPlans(c *gin.Context) {
	plans := h.svc.Plans().Plans()
	out := make([]dto.PlanResponse, len(plans))
	for i, p := range plans {
		out[i] = dto.PlanFrom(p)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
