package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims are the claims carried by a device access token.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ErrNotDeviceToken rejects tokens issued for a role other than "device".
var ErrNotDeviceToken = errors.New("token is not a device token")

// TokenService issues and verifies device access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service signing with the given secret.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: secret, ttl: ttl}
}

// IssueDeviceToken generates a signed token for an authenticated device.
func (s *TokenService) IssueDeviceToken(deviceID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.ttl)
	claims := &DeviceClaims{
		DeviceID: deviceID,
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates a bearer token and returns the device identity it was
// issued for.
func (s *TokenService) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return "", jwt.ErrInvalidKey
	}
	if claims.Role != "device" {
		return "", ErrNotDeviceToken
	}
	if claims.DeviceID == "" {
		return "", errors.New("device_id missing from token claims")
	}
	return claims.DeviceID, nil
}
