package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssuerConfig holds configuration for minting team-bound access tokens.
type IssuerConfig struct {
	SigningKey string        // raw HMAC secret string OR path to PEM private key file
	Issuer     string        // "iss" claim (optional)
	Audience   string        // "aud" claim (optional)
	TTL        time.Duration // token lifetime (default: 1h)
}

// TokenIssuer mints access tokens bound to a team, so the backend can tell which
// team a request acts on without a lookup.
type TokenIssuer struct {
	config IssuerConfig
	method jwt.SigningMethod
	key    any
	now    func() time.Time
}

// NewTokenIssuer creates an issuer with auto-detected key type. A PEM file path
// selects RS256 or ES256; any other string is an HS256 secret.
func NewTokenIssuer(config IssuerConfig) (*TokenIssuer, error) {
	if config.SigningKey == "" {
		return nil, errors.New("token signing key is required")
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	key, method, err := parseSigningKey(config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &TokenIssuer{config: config, method: method, key: key, now: time.Now}, nil
}

func parseSigningKey(input string) (any, jwt.SigningMethod, error) {
	info, err := os.Stat(input)
	if err == nil && !info.IsDir() {
		pemBytes, err := os.ReadFile(input)
		if err != nil {
			return nil, nil, fmt.Errorf("read PEM file: %w", err)
		}
		if key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes); err == nil {
			return key, jwt.SigningMethodRS256, nil
		}
		if key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err == nil {
			return key, jwt.SigningMethodES256, nil
		}
		return nil, nil, errors.New("PEM file contains no recognized RSA or ECDSA private key")
	}
	return []byte(input), jwt.SigningMethodHS256, nil
}

// Issue mints a token for the identity, bound to teamID with teamRole. The
// identity's existing team binding is replaced.
func (i *TokenIssuer) Issue(id *Identity, teamID, teamRole string) (token string, expiresAt time.Time, err error) {
	if id == nil || id.UserID == "" {
		return "", time.Time{}, errors.New("identity with user ID is required")
	}
	now := i.now()
	expiresAt = now.Add(i.config.TTL)

	claims := jwt.MapClaims{
		"sub":         id.UserID,
		"iat":         jwt.NewNumericDate(now),
		"exp":         jwt.NewNumericDate(expiresAt),
		"jti":         uuid.NewString(),
		ClaimTeamID:   teamID,
		ClaimTeamRole: teamRole,
	}
	if id.Email != "" {
		claims[ClaimEmail] = id.Email
	}
	if id.Role != "" {
		claims[ClaimRole] = id.Role
	}
	if i.config.Issuer != "" {
		claims["iss"] = i.config.Issuer
	}
	if i.config.Audience != "" {
		claims["aud"] = i.config.Audience
	}

	token, err = jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verifier returns an authenticator accepting the tokens this issuer mints.
func (i *TokenIssuer) Verifier() *JWTAuthenticator {
	config := JWTConfig{Issuer: i.config.Issuer, Audience: i.config.Audience}
	switch key := i.key.(type) {
	case *rsa.PrivateKey:
		return newJWTAuthenticator(config, &key.PublicKey, []string{"RS256"})
	case *ecdsa.PrivateKey:
		return newJWTAuthenticator(config, &key.PublicKey, []string{"ES256"})
	default:
		return newJWTAuthenticator(config, i.key, []string{"HS256"})
	}
}
