package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionTokens struct {
	validateErr error
	claims      auth.SessionClaims
}

func (s stubSessionTokens) IssueSessionToken(context.Context, auth.SessionIdentity) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubSessionTokens) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

func (s stubSessionTokens) CookieName() string {
	return "atelier_session"
}

func runAuthorize(t *testing.T, tokens SessionTokens) (*httptest.ResponseRecorder, *gin.Context, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/clients", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{tokens: tokens, logger: zap.New(core)}
	handler.authorizeRequest(ctx)
	return recorder, ctx, logs
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	expired := fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, jwt.ErrTokenExpired)
	recorder, _, logs := runAuthorize(t, stubSessionTokens{validateErr: expired})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	recorder, _, logs := runAuthorize(t, stubSessionTokens{validateErr: errors.New("signature mismatch")})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestStoresActor(t *testing.T) {
	claims := auth.SessionClaims{UserID: "designer-1", Role: "designer"}
	recorder, ctx, _ := runAuthorize(t, stubSessionTokens{claims: claims})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected request to continue, got %d", recorder.Code)
	}
	actor, ok := actorFromContext(ctx)
	if !ok || actor.UserID != "designer-1" || actor.Role != authz.RoleDesigner {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.com"}))
	router.OPTIONS("/clients", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/clients", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCredentialsFlow(t *testing.T) {
	app := newTestApp(t)

	registered := app.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":       "Dana@Example.com",
		"password":    testPassword,
		"displayName": "Dana",
	})
	expectStatus(t, registered, http.StatusCreated)
	if !strings.Contains(registered.Header().Get("Set-Cookie"), "atelier_session=") {
		t.Fatalf("expected session cookie, got %q", registered.Header().Get("Set-Cookie"))
	}

	duplicate := app.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "dana@example.com",
		"password": testPassword,
	})
	expectStatus(t, duplicate, http.StatusConflict)

	wrong := app.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "dana@example.com", "password": "nope-nope-nope"})
	expectStatus(t, wrong, http.StatusUnauthorized)

	login := app.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "dana@example.com", "password": testPassword})
	expectStatus(t, login, http.StatusOK)
	var session authResponsePayload
	decode(t, login, &session)
	if session.TokenType != "Bearer" || session.User.Role != "DESIGNER" || session.User.Email != "dana@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}

	updated := app.do(t, http.MethodPatch, "/me", session.AccessToken, map[string]string{"measurementUnit": "cm"})
	expectStatus(t, updated, http.StatusOK)
	var profile profilePayload
	decode(t, updated, &profile)
	if profile.MeasurementUnit != "cm" {
		t.Fatalf("expected unit cm, got %q", profile.MeasurementUnit)
	}

	invalidUnit := app.do(t, http.MethodPatch, "/me", session.AccessToken, map[string]string{"measurementUnit": "furlongs"})
	expectStatus(t, invalidUnit, http.StatusBadRequest)

	expectStatus(t, app.do(t, http.MethodGet, "/me", "", nil), http.StatusUnauthorized)
	expectStatus(t, app.do(t, http.MethodPost, "/auth/logout", "", nil), http.StatusNoContent)
}

func TestGoogleSignInDisabledWithoutVerifier(t *testing.T) {
	app := newTestApp(t)
	recorder := app.do(t, http.MethodPost, "/auth/google", "", map[string]string{"id_token": "token"})
	expectStatus(t, recorder, http.StatusNotImplemented)
}

func TestRolePermissions(t *testing.T) {
	app := newTestApp(t)
	_, clientToken := app.signUp(t, "client@example.com", authz.RoleClient)
	_, designerToken := app.signUp(t, "designer@example.com", authz.RoleDesigner)
	_, adminToken := app.signUp(t, "admin@example.com", authz.RoleAdmin)

	expectStatus(t, app.do(t, http.MethodGet, "/me", clientToken, nil), http.StatusOK)
	expectStatus(t, app.do(t, http.MethodGet, "/clients", clientToken, nil), http.StatusForbidden)
	expectStatus(t, app.do(t, http.MethodGet, "/users/designers", designerToken, nil), http.StatusForbidden)

	designers := app.do(t, http.MethodGet, "/users/designers", adminToken, nil)
	expectStatus(t, designers, http.StatusOK)
	var body struct {
		Designers []profilePayload `json:"designers"`
	}
	decode(t, designers, &body)
	if len(body.Designers) != 1 || body.Designers[0].Email != "designer@example.com" {
		t.Fatalf("unexpected designers %+v", body.Designers)
	}
}
