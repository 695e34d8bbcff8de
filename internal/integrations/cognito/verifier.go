package cognito

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"conversation-engine/internal/domain"
)

const defaultClockSkew = time.Minute

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("cognito: invalid token")

// Config identifies the Cognito user pool and app client whose tokens are
// accepted.
type Config struct {
	Region     string
	UserPoolID string
	ClientID   string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("cognito: region is required")
	}
	if strings.TrimSpace(c.UserPoolID) == "" {
		return errors.New("cognito: user pool id is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("cognito: client id is required")
	}
	return nil
}

// Issuer is the iss claim Cognito puts in tokens for this pool.
func (c Config) Issuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// JWKSURL is the pool's public signing key set.
func (c Config) JWKSURL() string {
	return c.Issuer() + "/.well-known/jwks.json"
}

// Verifier validates Cognito id and access tokens.
type Verifier struct {
	issuer    string
	clientID  string
	keyfunc   jwt.Keyfunc
	clockSkew time.Duration
}

// NewVerifier builds a Verifier around an existing key function.
func NewVerifier(cfg Config, kf jwt.Keyfunc) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if kf == nil {
		return nil, errors.New("cognito: keyfunc must not be nil")
	}
	return &Verifier{
		issuer:    cfg.Issuer(),
		clientID:  cfg.ClientID,
		keyfunc:   kf,
		clockSkew: defaultClockSkew,
	}, nil
}

// NewFromJWKS fetches the pool's JWKS once and keeps it refreshed in the
// background for the lifetime of the execution environment.
func NewFromJWKS(ctx context.Context, cfg Config, refreshEvery time.Duration, logger *slog.Logger) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refreshEvery,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error("jwks refresh failed", "err", err, "jwks_url", cfg.JWKSURL())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cognito: fetch jwks: %w", err)
	}
	return NewVerifier(cfg, jwks.Keyfunc)
}

// Verify checks signature, issuer, expiry and client binding, and returns
// the caller identity.
func (v *Verifier) Verify(_ context.Context, rawToken string) (domain.Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(rawToken, claims, v.keyfunc); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	switch use, _ := claims["token_use"].(string); use {
	case "id":
		aud, err := claims.GetAudience()
		if err != nil || !contains(aud, v.clientID) {
			return domain.Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	case "access":
		if cid, _ := claims["client_id"].(string); cid != v.clientID {
			return domain.Identity{}, fmt.Errorf("%w: client mismatch", ErrInvalidToken)
		}
	default:
		return domain.Identity{}, fmt.Errorf("%w: unsupported token_use %q", ErrInvalidToken, use)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Identity{}, fmt.Errorf("%w: sub claim missing", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return domain.Identity{UserID: sub, Email: email}, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
