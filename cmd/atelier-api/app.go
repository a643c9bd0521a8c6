package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/analytics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/config"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/database"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/server"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sessionIssuer   = "atelier-auth"
	sessionAudience = "atelier-api"
)

type application struct {
	handler http.Handler
	sqlDB   *sql.DB
}

func (a *application) Close() {
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}

// buildApplication wires every service from appConfig.
func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app := &application{sqlDB: sqlDB}

	idProvider := ids.NewUUIDProvider()
	registry := metrics.New()

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      appConfig.TokenTTL,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	var googleVerifier server.GoogleVerifier
	if appConfig.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audiences: append([]string{appConfig.GoogleClientID}, appConfig.GoogleMobileIDs...),
			JWKSURL:   appConfig.GoogleJWKSURL,
			Logger:    logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		googleVerifier = verifier
	} else {
		logger.Info("google sign-in disabled", zap.String("reason", "google.client_id not set"))
	}

	enforcer, err := authz.NewEnforcer(authz.EnforcerConfig{PolicyPath: appConfig.PolicyPath})
	if err != nil {
		app.Close()
		return nil, err
	}

	recorder, err := audit.NewDatabaseRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	clientService, err := clients.NewService(clients.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
		Audit:      recorder,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	measurementService, err := measurements.NewService(measurements.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clients:    clientService,
		Logger:     logger,
		Audit:      recorder,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	texts, err := buildTextSender(appConfig.SMS, registry, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	emails, err := buildEmailSender(appConfig.SMTP, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	analyticsService, err := analytics.NewService(analytics.ServiceConfig{
		Database: db,
		Cache:    buildCache(ctx, appConfig.RedisURL, logger),
		CacheTTL: appConfig.AnalyticsCacheTTL,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()
	manager, err := sharelinks.NewManager(sharelinks.ManagerConfig{
		Store:          sharelinks.NewGormStore(db),
		IDProvider:     idProvider,
		CreationWindow: appConfig.CreationWindow,
		UpdateWindow:   appConfig.UpdateWindow,
		PublicBaseURL:  appConfig.PublicBaseURL,
		Texts:          texts,
		Emails:         emails,
		Audit:          recorder,
		Events:         sharelinks.Publishers{realtime, analyticsService},
		Metrics:        registry,
		Logger:         logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := registry.RegisterLinkStates(manager.LinkStates, logger); err != nil {
		app.Close()
		return nil, err
	}
	if err := registry.RegisterRealtime(realtime); err != nil {
		app.Close()
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:  googleVerifier,
		Tokens:          tokens,
		Authorizer:      enforcer,
		Users:           userService,
		Clients:         clientService,
		Measurements:    measurementService,
		Links:           manager,
		Analytics:       analyticsService,
		Realtime:        realtime,
		Metrics:         registry,
		AllowedOrigins:  appConfig.AllowedOrigins,
		TrustedProxies:  appConfig.TrustedProxies,
		PublicRateLimit: rate.Limit(appConfig.PublicRateLimit),
		PublicRateBurst: appConfig.PublicRateBurst,
		Logger:          logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.handler = handler
	return app, nil
}

func buildTextSender(cfg config.SMSConfig, registry *metrics.Registry, logger *zap.Logger) (notify.TextSender, error) {
	if !cfg.Enabled() {
		logger.Info("sms delivery disabled", zap.String("reason", "sms credentials not set"))
		return notify.LogSender{Logger: logger}, nil
	}
	client, err := notify.NewSMSClient(notify.SMSConfig{
		BaseURL:    cfg.BaseURL,
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		FromNumber: cfg.FromNumber,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
		OnStateChange: func(from, to string) {
			registry.BreakerTransition("sms-provider", from, to)
		},
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildEmailSender(cfg config.SMTPConfig, logger *zap.Logger) (notify.EmailSender, error) {
	if !cfg.Enabled() {
		logger.Info("email delivery disabled", zap.String("reason", "smtp host not set"))
		return notify.LogSender{Logger: logger}, nil
	}
	mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		FromName: cfg.FromName,
		TLS:      cfg.TLS,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return mailer, nil
}

// buildCache prefers Redis and falls back to an in-process cache when it is
// not configured or unreachable.
func buildCache(ctx context.Context, redisURL string, logger *zap.Logger) cache.Cache {
	if redisURL == "" {
		return cache.NewMemory(nil)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedisCache(pingCtx, redisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory cache", zap.Error(err))
		return cache.NewMemory(nil)
	}
	return redisCache
}
