// Package credentials turns long-lived credential material into short-lived
// bearer tokens and keeps exactly one current token per Store.
package credentials

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// Credential is the long-lived material used to mint assertions. It is
// immutable after load.
type Credential struct {
	// Secret is the HMAC key for HS256 assertions.
	Secret []byte
	Issuer string
	// Subject identifies the account the token acts for.
	Subject  string
	Audience []string
	KeyID    string
	// Claims are extra claims merged into every assertion, such as a
	// workspace id.
	Claims map[string]interface{}
}

// Validate checks that the credential can sign assertions.
func (c Credential) Validate() error {
	if len(c.Secret) == 0 {
		return sdkerrors.InvalidCredential("secret is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return sdkerrors.InvalidCredential("subject is required")
	}
	return nil
}

// Sign mints an HS256 assertion valid from now for ttl.
func (c Credential) Sign(now time.Time, ttl time.Duration) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	for k, v := range c.Claims {
		claims[k] = v
	}
	claims["sub"] = c.Subject
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	if c.Issuer != "" {
		claims["iss"] = c.Issuer
	}
	switch len(c.Audience) {
	case 0:
	case 1:
		claims["aud"] = c.Audience[0]
	default:
		claims["aud"] = c.Audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if c.KeyID != "" {
		token.Header["kid"] = c.KeyID
	}
	signed, err := token.SignedString(c.Secret)
	if err != nil {
		return "", sdkerrors.AuthFailed("sign assertion", err)
	}
	return signed, nil
}

// AccessToken is a bearer token with its validity window.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
}

// ValidAt reports whether the token may be handed out at now when refreshes
// must happen margin before expiry.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t.Token == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Claims is the decoded payload of a platform token.
type Claims struct {
	jwt.RegisteredClaims
	Account   string                 `json:"account,omitempty"`
	Workspace string                 `json:"workspace,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// ParseClaims decodes a token's claims without verifying its signature.
// Tokens come from the identity service, so the client cannot verify them.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, sdkerrors.WrapError(err, sdkerrors.CodeInvalidToken, "cannot decode token",
			sdkerrors.CategoryAuth, sdkerrors.SeverityError)
	}
	return claims, nil
}

// VerifyClaims decodes a token signed with secret and checks its signature
// and expiry.
func VerifyClaims(token string, secret []byte, now time.Time) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, sdkerrors.WrapError(err, sdkerrors.CodeInvalidToken, "token verification failed",
			sdkerrors.CategoryAuth, sdkerrors.SeverityError).WithDetail(err.Error())
	}
	return claims, nil
}
