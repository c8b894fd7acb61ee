package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// JWTBearerGrant is the grant type sent with assertions.
const JWTBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// Exchanger trades a signed assertion for an access token.
type Exchanger interface {
	Exchange(ctx context.Context, assertion string) (AccessToken, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, assertion string) (AccessToken, error)

func (f ExchangerFunc) Exchange(ctx context.Context, assertion string) (AccessToken, error) {
	return f(ctx, assertion)
}

// SelfSigned uses the assertion itself as the bearer token. Platform
// services accept HS256 tokens signed with the shared secret.
type SelfSigned struct{}

func (SelfSigned) Exchange(_ context.Context, assertion string) (AccessToken, error) {
	claims, err := ParseClaims(assertion)
	if err != nil {
		return AccessToken{}, err
	}
	tok := AccessToken{Token: assertion, Subject: claims.Subject}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// HTTPExchanger posts the assertion to an identity endpoint.
type HTTPExchanger struct {
	URL    string
	Client *http.Client
	// Now stamps IssuedAt and resolves relative expiries.
	Now func() time.Time
}

type exchangeRequest struct {
	GrantType string `json:"grant_type"`
	Assertion string `json:"assertion"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Exchange performs the token exchange. Rejections are auth errors; network
// failures and 5xx replies are transport errors.
func (e *HTTPExchanger) Exchange(ctx context.Context, assertion string) (AccessToken, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	body, err := json.Marshal(exchangeRequest{GrantType: JWTBearerGrant, Assertion: assertion})
	if err != nil {
		return AccessToken{}, sdkerrors.Internal("encode exchange request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, sdkerrors.InvalidArgument("identity url", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AccessToken{}, sdkerrors.FromContext(ctxErr, "token exchange")
		}
		return AccessToken{}, sdkerrors.TransportFailure("http", "token exchange", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, sdkerrors.TransportFailure("http", "token exchange", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return AccessToken{}, sdkerrors.AuthFailed(
			fmt.Sprintf("identity endpoint returned %d", resp.StatusCode), nil).
			WithStatus(resp.StatusCode).WithDetail(string(raw))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return AccessToken{}, sdkerrors.HTTPStatus("token exchange", e.URL, resp.StatusCode, 0, string(raw))
	}

	var out exchangeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return AccessToken{}, sdkerrors.MalformedFrame(err)
	}
	if out.AccessToken == "" {
		return AccessToken{}, sdkerrors.AuthFailed("identity endpoint returned no token", nil)
	}

	issued := now()
	tok := AccessToken{Token: out.AccessToken, IssuedAt: issued}
	switch {
	case out.ExpiresAt > 0:
		tok.ExpiresAt = time.Unix(out.ExpiresAt, 0)
	case out.ExpiresIn > 0:
		tok.ExpiresAt = issued.Add(time.Duration(out.ExpiresIn) * time.Second)
	default:
		if claims, err := ParseClaims(out.AccessToken); err == nil && claims.ExpiresAt != nil {
			tok.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	if tok.ExpiresAt.IsZero() {
		return AccessToken{}, sdkerrors.AuthFailed("identity endpoint returned no expiry", nil)
	}
	if claims, err := ParseClaims(out.AccessToken); err == nil {
		tok.Subject = claims.Subject
	}
	return tok, nil
}
