package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifies bearer tokens issued by the surrounding application's identity
// system and turns their claims into an admission identity.
type AuthService struct {
	jwtSecret []byte // Stored in env (ADMISSION_AUTH_JWT_SECRET)
	jwtExpiry time.Duration
	now       func() time.Time
}

func NewAuthService(secret string, expiryHours int) *AuthService {
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		jwtExpiry: time.Duration(expiryHours) * time.Hour,
		now:       time.Now,
	}
}

// Reports whether a secret is configured. Without one every caller is anonymous.
func (s *AuthService) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// Signs a token carrying identity. Used by operators to mint admin tokens.
func (s *AuthService) IssueToken(identity admission.Identity) (string, error) {
	if !s.Enabled() {
		return "", errors.New("jwt secret is not configured")
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": identity.UserID,
		"role":    identity.Role,
		"tier":    identity.Tier,
		"exp":     now.Add(s.jwtExpiry).Unix(),
		"iat":     now.Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// Validates a JWT token and returns the identity it carries
func (s *AuthService) ValidateToken(tokenString string) (admission.Identity, error) {
	if !s.Enabled() {
		return admission.Identity{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verifying signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return admission.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return admission.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return admission.Identity{}, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}

	identity := admission.Identity{
		UserID: stringClaim(claims, "user_id"),
		Role:   stringClaim(claims, "role"),
		Tier:   stringClaim(claims, "tier"),
	}
	if identity.UserID == "" {
		identity.UserID = stringClaim(claims, "sub")
	}
	if identity.UserID == "" {
		return admission.Identity{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	return identity, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}
