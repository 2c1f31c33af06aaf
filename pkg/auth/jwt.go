// Package auth firma e valida i token bearer dell'API di amministrazione.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken indica che il token non è valido
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indica che il token è scaduto
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidClaims indica che i claims non sono validi
	ErrInvalidClaims = errors.New("invalid claims")
)

// RoleAdmin è l'unico ruolo ammesso sulle route che modificano il pool
const RoleAdmin = "admin"

// JWTConfig configurazione JWT
type JWTConfig struct {
	SecretKey string
	Issuer    string
	TTL       time.Duration
}

// Claims rappresenta i claims di un token admin
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager emette e valida token HS256
type JWTManager struct {
	config JWTConfig
}

// NewJWTManager crea un nuovo JWT manager
func NewJWTManager(config JWTConfig) *JWTManager {
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "novelcorpus"
	}
	return &JWTManager{config: config}
}

// GenerateToken emette un token admin per subject
func (m *JWTManager) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// ValidateToken valida un token e restituisce i claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	}, jwt.WithIssuer(m.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != RoleAdmin {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
