package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleAuthRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        profilePayload `json:"user"`
}

type profilePayload struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"displayName"`
	Role            string    `json:"role"`
	MeasurementUnit string    `json:"measurementUnit"`
	Phone           string    `json:"phone"`
	AvatarURL       string    `json:"avatarUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type profileUpdatePayload struct {
	DisplayName     *string `json:"displayName"`
	Phone           *string `json:"phone"`
	MeasurementUnit *string `json:"measurementUnit"`
}

func newProfilePayload(user users.User) profilePayload {
	return profilePayload{
		ID:              user.ID,
		Email:           user.Email,
		DisplayName:     user.DisplayName,
		Role:            user.Role.String(),
		MeasurementUnit: string(user.MeasurementUnit),
		Phone:           user.Phone,
		AvatarURL:       user.AvatarURL,
		CreatedAt:       user.CreatedAt,
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "malformed request body")
		return
	}
	user, err := h.users.Register(c.Request.Context(), users.RegisterInput{
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.DisplayName,
		Phone:       request.Phone,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusCreated, user)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		h.badRequest(c, "email and password are required")
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusOK, user)
}

// handleGoogleAuth serves both web sign-in and the mobile token exchange.
func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "google_sign_in_disabled"})
		return
	}
	var request googleAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		h.badRequest(c, "id_token is required")
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.users.ResolveGoogleUser(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusOK, user)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if name := h.tokens.CookieName(); name != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(name, "", -1, "/", "", c.Request.TLS != nil, true)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondWithSession(c *gin.Context, status int, user users.User) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionIdentity{
		UserID:      user.ID,
		Role:        user.Role.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if name := h.tokens.CookieName(); name != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(name, token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	}
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        newProfilePayload(user),
	})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	actor, _ := actorFromContext(c)
	user, err := h.users.Get(c.Request.Context(), actor.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(user))
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	actor, _ := actorFromContext(c)
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "malformed request body")
		return
	}
	user, err := h.users.UpdateProfile(c.Request.Context(), actor.UserID, users.ProfileUpdate{
		DisplayName:     request.DisplayName,
		Phone:           request.Phone,
		MeasurementUnit: request.MeasurementUnit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(user))
}

func (h *httpHandler) handleListDesigners(c *gin.Context) {
	designers, err := h.users.ListDesigners(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]profilePayload, 0, len(designers))
	for _, designer := range designers {
		response = append(response, newProfilePayload(designer))
	}
	c.JSON(http.StatusOK, gin.H{"designers": response})
}
