package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names shared by the validator and the issuer.
const (
	ClaimEmail    = "email"
	ClaimRole     = "role"
	ClaimTeamID   = "team_id"
	ClaimTeamRole = "team_role"
)

// JWTConfig holds configuration for JWT bearer authentication.
type JWTConfig struct {
	SigningKey  string // raw HMAC secret string OR path to PEM public key file
	Issuer      string // expected "iss" claim (empty = don't verify)
	Audience    string // expected "aud" claim (empty = don't verify)
	UserIDClaim string // claim holding the user ID (default: "sub")
}

// JWTAuthenticator validates JWT access tokens and extracts the caller identity.
type JWTAuthenticator struct {
	config     JWTConfig
	parserOpts []jwt.ParserOption
	keyFunc    jwt.Keyfunc
}

// NewJWTAuthenticator creates a JWT authenticator with auto-detected key type.
// If signingKey is a path to a PEM file, RSA or ECDSA public key is used.
// Otherwise, the raw string is treated as an HMAC secret.
func NewJWTAuthenticator(config JWTConfig) (*JWTAuthenticator, error) {
	if config.SigningKey == "" {
		return nil, errors.New("jwt signing key is required")
	}

	signingKey, validMethods, err := parseVerificationKey(config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return newJWTAuthenticator(config, signingKey, validMethods), nil
}

func newJWTAuthenticator(config JWTConfig, signingKey any, validMethods []string) *JWTAuthenticator {
	if config.UserIDClaim == "" {
		config.UserIDClaim = "sub"
	}
	keyFunc := func(token *jwt.Token) (any, error) {
		method := token.Method.Alg()
		for _, m := range validMethods {
			if method == m {
				return signingKey, nil
			}
		}
		return nil, fmt.Errorf("unexpected signing method: %s", method)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(config.Audience))
	}

	return &JWTAuthenticator{
		config:     config,
		parserOpts: parserOpts,
		keyFunc:    keyFunc,
	}
}

// parseVerificationKey auto-detects the key type from the input.
// Returns the parsed key and the list of valid signing methods.
func parseVerificationKey(input string) (any, []string, error) {
	info, err := os.Stat(input)
	if err == nil && !info.IsDir() {
		pemBytes, err := os.ReadFile(input)
		if err != nil {
			return nil, nil, fmt.Errorf("read PEM file: %w", err)
		}

		if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
			return key, []string{"RS256", "RS384", "RS512"}, nil
		}
		if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
			return key, []string{"ES256", "ES384", "ES512"}, nil
		}
		return nil, nil, errors.New("PEM file contains no recognized RSA or ECDSA public key")
	}

	return []byte(input), []string{"HS256", "HS384", "HS512"}, nil
}

// Validate parses and verifies a JWT token string, returning the caller identity.
func (a *JWTAuthenticator) Validate(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, a.keyFunc, a.parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid JWT claims")
	}

	userID, err := extractStringClaim(claims, a.config.UserIDClaim)
	if err != nil {
		return nil, fmt.Errorf("JWT missing %s claim: %w", a.config.UserIDClaim, err)
	}

	id := &Identity{
		UserID:   userID,
		Email:    optionalStringClaim(claims, ClaimEmail),
		Role:     optionalStringClaim(claims, ClaimRole),
		TeamID:   optionalStringClaim(claims, ClaimTeamID),
		TeamRole: optionalStringClaim(claims, ClaimTeamRole),
	}
	if id.Role == "" {
		id.Role = "user"
	}
	return id, nil
}

// extractStringClaim returns a string claim value, or an error if missing/empty.
func extractStringClaim(claims jwt.MapClaims, key string) (string, error) {
	v, ok := claims[key]
	if !ok {
		return "", fmt.Errorf("claim %q not found", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("claim %q is not a non-empty string", key)
	}
	return s, nil
}

func optionalStringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
