package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 64 << 10

type clientPayload struct {
	ID         string    `json:"id"`
	DesignerID string    `json:"designerId"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	Gender     string    `json:"gender"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newClientPayload(client clients.Client) clientPayload {
	return clientPayload{
		ID:         client.ID,
		DesignerID: client.DesignerID,
		Name:       client.Name,
		Email:      client.Email,
		Phone:      client.Phone,
		Gender:     client.Gender,
		Notes:      client.Notes,
		CreatedAt:  client.CreatedAt,
		UpdatedAt:  client.UpdatedAt,
	}
}

func (h *httpHandler) handleListClients(c *gin.Context) {
	actor, _ := actorFromContext(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	list, total, err := h.clients.List(c.Request.Context(), actor, clients.ListQuery{
		Search: c.Query("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]clientPayload, 0, len(list))
	for _, client := range list {
		response = append(response, newClientPayload(client))
	}
	c.JSON(http.StatusOK, gin.H{"clients": response, "total": total})
}

func (h *httpHandler) handleCreateClient(c *gin.Context) {
	actor, _ := actorFromContext(c)
	var input clients.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, "malformed request body")
		return
	}
	client, err := h.clients.Create(c.Request.Context(), actor, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newClientPayload(client))
}

func (h *httpHandler) handleGetClient(c *gin.Context) {
	actor, _ := actorFromContext(c)
	client, err := h.clients.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newClientPayload(client))
}

func (h *httpHandler) handleUpdateClient(c *gin.Context) {
	actor, _ := actorFromContext(c)
	var input clients.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, "malformed request body")
		return
	}
	client, err := h.clients.Update(c.Request.Context(), actor, c.Param("id"), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newClientPayload(client))
}

func (h *httpHandler) handleDeleteClient(c *gin.Context) {
	actor, _ := actorFromContext(c)
	ctx := c.Request.Context()
	client, err := h.clients.Get(ctx, actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.clients.Delete(ctx, actor, client.ID, requestContext(c)); err != nil {
		h.writeError(c, err)
		return
	}
	h.analytics.Invalidate(ctx, client.DesignerID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMeasurements(c *gin.Context) {
	actor, _ := actorFromContext(c)
	list, err := h.measurements.ListForClient(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurements": list})
}

func (h *httpHandler) handleCreateMeasurement(c *gin.Context) {
	actor, _ := actorFromContext(c)
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}
	record, err := h.measurements.Create(c.Request.Context(), actor, c.Param("id"), payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleGetMeasurement(c *gin.Context) {
	actor, _ := actorFromContext(c)
	record, err := h.measurements.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpdateMeasurement(c *gin.Context) {
	actor, _ := actorFromContext(c)
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}
	record, err := h.measurements.Update(c.Request.Context(), actor, c.Param("id"), payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteMeasurement(c *gin.Context) {
	actor, _ := actorFromContext(c)
	ctx := c.Request.Context()
	record, err := h.measurements.Get(ctx, actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.measurements.Delete(ctx, actor, record.ID, requestContext(c)); err != nil {
		h.writeError(c, err)
		return
	}
	designerID := actor.UserID
	if client, err := h.clients.Get(ctx, actor, record.ClientID); err == nil {
		designerID = client.DesignerID
	}
	h.analytics.Invalidate(ctx, designerID)
	c.Status(http.StatusNoContent)
}

// readPayload parses a measurement body, writing the 400 itself on failure.
func (h *httpHandler) readPayload(c *gin.Context) (measurements.Payload, bool) {
	body, err := readBody(c)
	if err != nil {
		h.badRequest(c, "unreadable request body")
		return measurements.Payload{}, false
	}
	payload, err := measurements.ParsePayload(body)
	if err != nil {
		h.writeError(c, err)
		return measurements.Payload{}, false
	}
	return payload, true
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
}
