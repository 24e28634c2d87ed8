package quota

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims of a session token.
type Claims struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	QuotaRemaining int64  `json:"quota_remaining"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens with HMAC-SHA256.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer for secret. When secret is empty a random
// one is generated and generated is true; tokens then do not survive a
// restart.
func NewTokenIssuer(secret string) (issuer *TokenIssuer, generated bool, err error) {
	if secret != "" {
		return &TokenIssuer{secret: []byte(secret)}, false, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate token secret: %w", err)
	}
	return &TokenIssuer{secret: key}, true, nil
}

// Issue signs a token bound to sessionID.
func (i *TokenIssuer) Issue(userID, sessionID string, quotaRemaining int64, issuedAt, expiresAt time.Time) (string, error) {
	claims := &Claims{
		UserID:         userID,
		SessionID:      sessionID,
		QuotaRemaining: quotaRemaining,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse checks the token signature and returns its claims. Expiry is not
// checked here: the session row is authoritative for that.
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithoutClaimsValidation(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify parses the token and checks that it was issued for sessionID.
func (i *TokenIssuer) Verify(tokenString, sessionID string) (*Claims, error) {
	claims, err := i.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
