package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// Conn is the message-oriented connection a Session drives. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens connections for a Session.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	return f(ctx, rawURL, header)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	TLSClientConfig   *tls.Config
	Proxy             func(*http.Request) (*url.URL, error)
}

// Dial performs the upgrade. A rejected upgrade maps like any HTTP status, so
// 401 and 403 are auth errors.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	proxy := d.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	dialer := websocket.Dialer{
		HandshakeTimeout:  timeout,
		ReadBufferSize:    d.ReadBufferSize,
		WriteBufferSize:   d.WriteBufferSize,
		EnableCompression: d.EnableCompression,
		TLSClientConfig:   d.TLSClientConfig,
		Proxy:             proxy,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, sdkerrors.FromContext(ctxErr, "websocket dial")
		}
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, sdkerrors.HTTPStatus("websocket dial", redactURL(rawURL), resp.StatusCode, 0,
				strings.TrimSpace(string(body)))
		}
		return nil, sdkerrors.ConnectionFailed("websocket", redactURL(rawURL), err)
	}
	return conn, nil
}

// redactURL drops the path so tokens embedded in it never reach logs.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}

// sessionURL builds the dial URL, appending token as the last path segment
// when requested.
func sessionURL(base, token string, tokenInPath bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", sdkerrors.InvalidArgument("url", err.Error())
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", sdkerrors.InvalidArgument("url", "unsupported scheme "+u.Scheme)
	}
	if tokenInPath && token != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + token
		u.RawPath = ""
	}
	return u.String(), nil
}
