// Package services provides thin typed clients for the account, key-value
// and transactor services on top of the dispatcher and HTTP pipeline.
package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ajitpratap0/platform-client-go/pkg/dispatcher"
	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// call invokes method and decodes its result into T.
func call[T any](ctx context.Context, d *dispatcher.Dispatcher, ep dispatcher.Endpoint, method string, params interface{}, opts ...dispatcher.CallOption) (T, error) {
	var out T
	raw, err := d.Call(ctx, ep, method, params, opts...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, sdkerrors.MalformedFrame(err).WithContext(&sdkerrors.Context{Route: ep.Name, Method: method})
	}
	return out, nil
}

// ForceHTTPScheme rewrites ws:// and wss:// URLs to http:// and https://.
// Other schemes are returned unchanged.
func ForceHTTPScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", sdkerrors.InvalidArgument("url", err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", sdkerrors.InvalidArgument("url", "unsupported scheme "+u.Scheme)
	}
	return u.String(), nil
}

// joinPath resolves segments below base, escaping each one.
func joinPath(base *url.URL, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return u.String()
}
