// Package server exposes the HTTP API over gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/analytics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const actorContextKey = "atelier_actor"

const (
	defaultPublicRateLimit = rate.Limit(2)
	defaultPublicRateBurst = 10
)

var (
	errMissingTokens       = errors.New("session token dependency required")
	errMissingAuthorizer   = errors.New("authorizer dependency required")
	errMissingUsers        = errors.New("users service dependency required")
	errMissingClients      = errors.New("clients service dependency required")
	errMissingMeasurements = errors.New("measurements service dependency required")
	errMissingLinks        = errors.New("share link manager dependency required")
	errMissingAnalytics    = errors.New("analytics service dependency required")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type SessionTokens interface {
	IssueSessionToken(ctx context.Context, identity auth.SessionIdentity) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Authorizer interface {
	Require(actor authz.Actor, object, action string) error
}

// Dependencies are the collaborators of the HTTP layer. GoogleVerifier,
// Realtime and Metrics are optional. Forwarding headers are honoured only
// from TrustedProxies; by default the socket address identifies the client.
type Dependencies struct {
	GoogleVerifier  GoogleVerifier
	Tokens          SessionTokens
	Authorizer      Authorizer
	Users           *users.Service
	Clients         *clients.Service
	Measurements    *measurements.Service
	Links           *sharelinks.Manager
	Analytics       *analytics.Service
	Realtime        *RealtimeDispatcher
	Metrics         *metrics.Registry
	AllowedOrigins  []string
	TrustedProxies  []string
	PublicRateLimit rate.Limit
	PublicRateBurst int
	Clock           func() time.Time
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errMissingTokens
	case deps.Authorizer == nil:
		return nil, errMissingAuthorizer
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Clients == nil:
		return nil, errMissingClients
	case deps.Measurements == nil:
		return nil, errMissingMeasurements
	case deps.Links == nil:
		return nil, errMissingLinks
	case deps.Analytics == nil:
		return nil, errMissingAnalytics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	limit := deps.PublicRateLimit
	if limit <= 0 {
		limit = defaultPublicRateLimit
	}
	burst := deps.PublicRateBurst
	if burst <= 0 {
		burst = defaultPublicRateBurst
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(logging.AccessLog(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:     deps.GoogleVerifier,
		tokens:       deps.Tokens,
		authorizer:   deps.Authorizer,
		users:        deps.Users,
		clients:      deps.Clients,
		measurements: deps.Measurements,
		links:        deps.Links,
		analytics:    deps.Analytics,
		realtime:     realtime,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/google", handler.handleGoogleAuth)
	router.POST("/auth/logout", handler.handleLogout)

	public := router.Group("/links/:token")
	public.Use(newRateLimiter(limit, burst, deps.Clock).middleware())
	public.GET("", handler.handleGetLinkContext)
	public.POST("", handler.handleSubmitLink)
	public.GET("/qrcode", handler.handleLinkQRCode)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/me", handler.requirePermission(authz.ObjectProfile, authz.ActionRead), handler.handleGetProfile)
	protected.PATCH("/me", handler.requirePermission(authz.ObjectProfile, authz.ActionWrite), handler.handleUpdateProfile)
	protected.GET("/users/designers", handler.requirePermission(authz.ObjectUsers, authz.ActionRead), handler.handleListDesigners)

	clientsRead := handler.requirePermission(authz.ObjectClients, authz.ActionRead)
	clientsWrite := handler.requirePermission(authz.ObjectClients, authz.ActionWrite)
	protected.GET("/clients", clientsRead, handler.handleListClients)
	protected.POST("/clients", clientsWrite, handler.handleCreateClient)
	protected.GET("/clients/:id", clientsRead, handler.handleGetClient)
	protected.PUT("/clients/:id", clientsWrite, handler.handleUpdateClient)
	protected.DELETE("/clients/:id", clientsWrite, handler.handleDeleteClient)

	measurementsRead := handler.requirePermission(authz.ObjectMeasurements, authz.ActionRead)
	measurementsWrite := handler.requirePermission(authz.ObjectMeasurements, authz.ActionWrite)
	protected.GET("/clients/:id/measurements", measurementsRead, handler.handleListMeasurements)
	protected.POST("/clients/:id/measurements", measurementsWrite, handler.handleCreateMeasurement)
	protected.GET("/measurements/:id", measurementsRead, handler.handleGetMeasurement)
	protected.PUT("/measurements/:id", measurementsWrite, handler.handleUpdateMeasurement)
	protected.DELETE("/measurements/:id", measurementsWrite, handler.handleDeleteMeasurement)

	protected.POST("/links", handler.requirePermission(authz.ObjectLinks, authz.ActionWrite), handler.handleCreateLink)
	protected.GET("/clients/:id/links", handler.requirePermission(authz.ObjectLinks, authz.ActionRead), handler.handleListLinks)

	protected.GET("/analytics/summary", handler.requirePermission(authz.ObjectAnalytics, authz.ActionRead), handler.handleAnalyticsSummary)
	protected.GET("/events", handler.requirePermission(authz.ObjectEvents, authz.ActionRead), handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	verifier     GoogleVerifier
	tokens       SessionTokens
	authorizer   Authorizer
	users        *users.Service
	clients      *clients.Service
	measurements *measurements.Service
	links        *sharelinks.Manager
	analytics    *analytics.Service
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		h.logger.Warn("token carries unknown role", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, authz.Actor{UserID: claims.UserID, Role: role})
	c.Next()
}

func (h *httpHandler) requirePermission(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := h.authorizer.Require(actor, object, action); err != nil {
			if !errors.Is(err, authz.ErrForbidden) {
				h.logger.Error("authorization check failed", zap.String("object", object), zap.Error(err))
			}
			h.writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (authz.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return authz.Actor{}, false
	}
	actor, ok := value.(authz.Actor)
	return actor, ok && actor.UserID != ""
}

func requestContext(c *gin.Context) audit.RequestContext {
	return audit.RequestContext{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
