package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrCodeSize = 256

type createLinkRequestPayload struct {
	ClientID   string `json:"clientId"`
	DesignerID string `json:"designerId"`
}

func (h *httpHandler) handleCreateLink(c *gin.Context) {
	actor, _ := actorFromContext(c)
	var request createLinkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "malformed request body")
		return
	}
	clientID := strings.TrimSpace(request.ClientID)
	if clientID == "" {
		h.badRequest(c, "clientId is required")
		return
	}

	client, err := h.clients.Get(c.Request.Context(), actor, clientID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	designerID := strings.TrimSpace(request.DesignerID)
	if designerID != "" && designerID != client.DesignerID {
		h.writeError(c, authz.ErrForbidden)
		return
	}

	created, err := h.links.CreateLink(c.Request.Context(), client.ID, client.DesignerID, requestContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleListLinks(c *gin.Context) {
	actor, _ := actorFromContext(c)
	client, err := h.clients.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	links, err := h.links.ListLinks(c.Request.Context(), client.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *httpHandler) handleGetLinkContext(c *gin.Context) {
	linkContext, err := h.links.GetLinkContext(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkContext)
}

func (h *httpHandler) handleSubmitLink(c *gin.Context) {
	token := c.Param("token")
	body, readErr := readBody(c)
	if readErr != nil {
		if h.rejectLink(c, token) {
			return
		}
		h.badRequest(c, "unreadable request body")
		return
	}
	payload, parseErr := measurements.ParsePayload(body)
	if parseErr != nil {
		if h.rejectLink(c, token) {
			return
		}
		h.writeError(c, parseErr)
		return
	}

	result, err := h.links.Submit(c.Request.Context(), token, payload, requestContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// rejectLink writes the error for an unknown or expired link, which takes
// precedence over a bad payload, and reports whether it did.
func (h *httpHandler) rejectLink(c *gin.Context, token string) bool {
	if _, err := h.links.Resolve(c.Request.Context(), token); err != nil {
		h.writeError(c, err)
		return true
	}
	return false
}

func (h *httpHandler) handleLinkQRCode(c *gin.Context) {
	link, err := h.links.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	png, err := qrcode.Encode(h.links.SharableURL(link.Token), qrcode.Medium, qrCodeSize)
	if err != nil {
		h.logger.Error("failed to render qr code", zap.String("link_id", link.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qrcode_failed"})
		return
	}
	c.Header("Content-Disposition", "inline; filename=measurements-link.png")
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}
