package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceClaims identify an internal caller (the application API, a
// worker) of the server-to-server endpoints: flush, restore, broadcast.
type ServiceClaims struct {
	Sub   string `json:"sub"`
	Scope string `json:"scope"`
	Exp   int64  `json:"exp"`
}

const ScopeDocuments = "documents"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueServiceToken(secret []byte, claims ServiceClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseServiceToken(secret []byte, token string) (ServiceClaims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return ServiceClaims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return ServiceClaims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return ServiceClaims{}, ErrInvalidToken
	}
	var claims ServiceClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return ServiceClaims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Scope == "" || claims.Exp == 0 {
		return ServiceClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return ServiceClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
