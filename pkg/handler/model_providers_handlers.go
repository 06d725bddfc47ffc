package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/service"
)

// ModelHandler reports the configured model backend
type ModelHandler struct {
	info service.ModelInfo
}

func NewModelHandler(info service.ModelInfo) *ModelHandler {
	return &ModelHandler{info: info}
}

// RegisterRoutes registers model routes
func (h *ModelHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/model", h.GetModel)
	r.GET("/model/providers", GetProviders)
}

// GetModel returns the configured backend with its key masked
func (h *ModelHandler) GetModel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": h.info})
}

// GetProviders returns the accepted provider names
func GetProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": service.SupportedProviders})
}
