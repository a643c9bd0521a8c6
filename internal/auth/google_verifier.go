package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var defaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	// ErrInvalidGoogleToken wraps every reason an ID token is refused.
	ErrInvalidGoogleToken = errors.New("auth: invalid google id token")
	// ErrInvalidVerifierConfig reports an unusable GoogleVerifierConfig.
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")

	errEmptyIDToken     = errors.New("id token must not be empty")
	errMissingKeyID     = errors.New("token header has no kid")
	errIssuerRejected   = errors.New("issuer not allowed")
	errAudienceRejected = errors.New("audience not allowed")
	errMissingSubject   = errors.New("subject claim missing")
	errUnverifiedEmail  = errors.New("email not verified by google")
)

// GoogleVerifierConfig configures a GoogleVerifier. Audiences lists every OAuth
// client id allowed to present tokens: the web client and each mobile app.
type GoogleVerifierConfig struct {
	Audiences      []string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// GoogleClaims are the identity fields an account is resolved from.
type GoogleClaims struct {
	Audience      string
	Subject       string
	Issuer        string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Expiry        time.Time
}

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleVerifier checks Google ID tokens offline against the published JWKS.
type GoogleVerifier struct {
	audiences []string
	issuers   []string
	keys      *keySet
	clock     func() time.Time
}

func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	audiences := compact(cfg.Audiences)
	if len(audiences) == 0 {
		return nil, fmt.Errorf("%w: at least one audience is required", ErrInvalidVerifierConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: jwks url is required", ErrInvalidVerifierConfig)
	}
	issuers := defaultGoogleIssuers
	if cfg.AllowedIssuers != nil {
		issuers = compact(cfg.AllowedIssuers)
		if len(issuers) == 0 {
			return nil, fmt.Errorf("%w: allowed issuers list is blank", ErrInvalidVerifierConfig)
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoogleVerifier{
		audiences: audiences,
		issuers:   issuers,
		keys:      newKeySet(jwksURL, cfg.HTTPClient, cfg.CacheTTL, logger),
		clock:     clock,
	}, nil
}

// Verify checks signature, expiry, issuer and audience of rawToken and returns
// its identity claims with the email lowercased.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return GoogleClaims{}, reject(errEmptyIDToken)
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyID
			}
			return v.keys.lookup(ctx, keyID, v.clock())
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return GoogleClaims{}, reject(err)
	}

	audience, err := v.matchAudience(claims.Audience)
	if err != nil {
		return GoogleClaims{}, reject(err)
	}
	if !slices.Contains(v.issuers, claims.Issuer) {
		return GoogleClaims{}, reject(fmt.Errorf("%w: %q", errIssuerRejected, claims.Issuer))
	}
	if claims.Subject == "" {
		return GoogleClaims{}, reject(errMissingSubject)
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email != "" && !claims.EmailVerified {
		return GoogleClaims{}, reject(errUnverifiedEmail)
	}

	return GoogleClaims{
		Audience:      audience,
		Subject:       claims.Subject,
		Issuer:        claims.Issuer,
		Email:         email,
		EmailVerified: claims.EmailVerified,
		Name:          strings.TrimSpace(claims.Name),
		Picture:       strings.TrimSpace(claims.Picture),
		Expiry:        claims.ExpiresAt.Time,
	}, nil
}

func (v *GoogleVerifier) matchAudience(presented jwt.ClaimStrings) (string, error) {
	for _, audience := range presented {
		if slices.Contains(v.audiences, audience) {
			return audience, nil
		}
	}
	return "", fmt.Errorf("%w: %v", errAudienceRejected, []string(presented))
}

func reject(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidGoogleToken, err)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" && !slices.Contains(out, trimmed) {
			out = append(out, trimmed)
		}
	}
	return out
}
