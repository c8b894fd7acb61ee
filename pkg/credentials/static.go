package credentials

import (
	"context"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// Static serves a pre-issued token. It cannot be refreshed, so a server
// rejection is final.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", sdkerrors.InvalidCredential("empty static token")
	}
	return string(s), nil
}

func (s Static) Refresh(context.Context, string) (string, error) {
	return "", sdkerrors.AuthFailed("static token rejected", nil)
}
