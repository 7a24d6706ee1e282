package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// DefaultTTL is the lifetime of tokens issued by Generate.
const DefaultTTL = 24 * time.Hour

// Claims identify the company acting in a request and, once it has one,
// its banking tenant.
type Claims struct {
	jwt.RegisteredClaims
	CompanyID string `json:"companyId"`
	TenantID  string `json:"openiTenantId,omitempty"`
}

type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}
}

// Generate issues an HS256 token for subject acting on behalf of companyID.
func (j *JWT) Generate(subject, companyID, tenantID string) (string, error) {
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		CompanyID: companyID,
		TenantID:  tenantID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry and returns the claims.
func (j *JWT) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.CompanyID == "" {
		return nil, fmt.Errorf("%w: missing company", ErrInvalidToken)
	}
	return claims, nil
}
