package jwt

import (
	"errors"
	"time"

	"clinic-reconciler/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Scope string

const (
	ScopeReconcileRun  Scope = "reconcile:run"
	ScopeReconcileRead Scope = "reconcile:read"
	ScopeLedgerQuery   Scope = "ledger:query"
	ScopeLedgerWrite   Scope = "ledger:write"
)

const (
	AudienceOperatorAPI = "clinic-reconciler"
	AudienceLedger      = "clinic-ledger"

	// ledgerTokenExpiry covers one ledger round trip including retries.
	ledgerTokenExpiry = 2 * time.Minute
)

type Claims struct {
	Scopes  []Scope `json:"scopes"`
	TokenID string  `json:"token_id"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope Scope) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type JWTService struct {
	secret   []byte
	expiry   time.Duration
	audience string
}

// NewJWTService signs and validates operator API tokens.
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{secret: []byte(cfg.Secret), expiry: cfg.AccessExpiry, audience: AudienceOperatorAPI}
}

// NewLedgerSigner signs the short-lived tokens sent with every ledger request.
// The ledger script cannot read headers, so the token travels in the body.
func NewLedgerSigner(cfg config.LedgerConfig) *JWTService {
	return &JWTService{secret: []byte(cfg.SigningSecret), expiry: ledgerTokenExpiry, audience: AudienceLedger}
}

func (s *JWTService) GenerateAccessToken(subject string, scopes ...Scope) (string, string, error) {
	if len(s.secret) == 0 {
		return "", "", errors.New("jwt secret is not configured")
	}
	tokenID := uuid.New().String()
	now := time.Now()
	claims := Claims{
		Scopes:  scopes,
		TokenID: tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.secret)
	if err != nil {
		return "", "", err
	}

	return signedToken, tokenID, nil
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithAudience(s.audience))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

func (s *JWTService) GetAccessExpiry() time.Duration {
	return s.expiry
}
