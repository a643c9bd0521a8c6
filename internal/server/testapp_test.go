package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/analytics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/database"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const testPassword = "correct horse battery"

type recordedText struct {
	phone   string
	message string
}

type stubTexts struct {
	mu   sync.Mutex
	sent []recordedText
}

func (s *stubTexts) SendText(_ context.Context, phone, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recordedText{phone: phone, message: message})
	return nil
}

func (s *stubTexts) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type testApp struct {
	handler  http.Handler
	db       *gorm.DB
	tokens   *auth.TokenIssuer
	users    *users.Service
	realtime *RealtimeDispatcher
	texts    *stubTexts
	now      *time.Time
}

func newTestApp(t *testing.T, options ...func(*Dependencies)) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	app := &testApp{db: db, now: &now, texts: &stubTexts{}, realtime: NewRealtimeDispatcher()}
	clock := func() time.Time { return *app.now }
	idProvider := &ids.Sequence{Prefix: "id-"}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "atelier",
		Audience:      "atelier-api",
		TokenTTL:      24 * time.Hour,
		CookieName:    "atelier_session",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	app.tokens = tokens

	enforcer, err := authz.NewEnforcer(authz.EnforcerConfig{})
	if err != nil {
		t.Fatalf("failed to build enforcer: %v", err)
	}
	recorder, err := audit.NewDatabaseRecorder(audit.RecorderConfig{Database: db, IDProvider: idProvider, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build audit recorder: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	app.users = userService
	clientService, err := clients.NewService(clients.ServiceConfig{Database: db, IDProvider: idProvider, Clock: clock, Audit: recorder})
	if err != nil {
		t.Fatalf("failed to build clients service: %v", err)
	}
	measurementService, err := measurements.NewService(measurements.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clients:    clientService,
		Clock:      clock,
		Audit:      recorder,
	})
	if err != nil {
		t.Fatalf("failed to build measurements service: %v", err)
	}
	analyticsService, err := analytics.NewService(analytics.ServiceConfig{
		Database: db,
		Cache:    cache.NewMemory(clock),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to build analytics service: %v", err)
	}
	registry := metrics.New()
	manager, err := sharelinks.NewManager(sharelinks.ManagerConfig{
		Store:         sharelinks.NewGormStore(db),
		IDProvider:    idProvider,
		Clock:         clock,
		PublicBaseURL: "https://atelier.example.com",
		Texts:         app.texts,
		Audit:         recorder,
		Events:        sharelinks.Publishers{app.realtime, analyticsService},
		Metrics:       registry,
	})
	if err != nil {
		t.Fatalf("failed to build share link manager: %v", err)
	}
	if err := registry.RegisterRealtime(app.realtime); err != nil {
		t.Fatalf("failed to register realtime metrics: %v", err)
	}

	deps := Dependencies{
		Tokens:          tokens,
		Authorizer:      enforcer,
		Users:           userService,
		Clients:         clientService,
		Measurements:    measurementService,
		Links:           manager,
		Analytics:       analyticsService,
		Realtime:        app.realtime,
		Metrics:         registry,
		PublicRateLimit: 100,
		PublicRateBurst: 100,
		Clock:           clock,
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	app.handler = handler
	return app
}

func (a *testApp) advance(d time.Duration) {
	*a.now = a.now.Add(d)
}

// signUp registers an account with role and returns its session token.
func (a *testApp) signUp(t *testing.T, email string, role authz.Role) (users.User, string) {
	t.Helper()
	user, err := a.users.Register(context.Background(), users.RegisterInput{
		Email:       email,
		Password:    testPassword,
		DisplayName: email,
		Phone:       "+15550000000",
		Role:        role,
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", email, err)
	}
	token, _, err := a.tokens.IssueSessionToken(context.Background(), auth.SessionIdentity{
		UserID: user.ID,
		Role:   user.Role.String(),
		Email:  user.Email,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return user, token
}

func (a *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "atelier-test/1.0")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}
