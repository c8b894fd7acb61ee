package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/ajitpratap0/platform-client-go/pkg/dispatcher"
	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// FindOptions are the findAll options.
type FindOptions struct {
	Limit        int            `json:"limit,omitempty"`
	Projection   map[string]int `json:"projection,omitempty"`
	Sort         map[string]int `json:"sort,omitempty"`
	Total        bool           `json:"total"`
	ShowArchived bool           `json:"showArchived"`
}

// FindResult is a page of documents.
type FindResult struct {
	DataType string            `json:"dataType"`
	Total    int64             `json:"total"`
	Value    []json.RawMessage `json:"value"`
}

// TransactorClient reads and writes workspace documents. Over a WebSocket
// endpoint it uses the shared session; over an HTTP endpoint it uses the
// workspace REST paths.
type TransactorClient struct {
	d         *dispatcher.Dispatcher
	ep        dispatcher.Endpoint
	workspace string
}

// NewTransactorClient creates a client for workspace at ep.
func NewTransactorClient(d *dispatcher.Dispatcher, ep dispatcher.Endpoint, workspace string) *TransactorClient {
	return &TransactorClient{d: d, ep: ep, workspace: workspace}
}

func (c *TransactorClient) websocket() bool {
	return c.ep.Kind == dispatcher.KindWebSocket
}

// FindAll queries documents of class. query must encode as a JSON object.
func (c *TransactorClient) FindAll(ctx context.Context, class string, query interface{}, options FindOptions) (*FindResult, error) {
	q, err := json.Marshal(query)
	if err != nil || len(q) == 0 || q[0] != '{' {
		return nil, sdkerrors.InvalidArgument("query", "query must be a JSON object")
	}

	if c.websocket() {
		res, err := call[FindResult](ctx, c.d, c.ep, "findAll", []interface{}{class, json.RawMessage(q), options})
		if err != nil {
			return nil, err
		}
		return &res, nil
	}

	opts, err := json.Marshal(options)
	if err != nil {
		return nil, sdkerrors.InvalidArgument("options", err.Error())
	}
	values := url.Values{}
	values.Set("class", class)
	values.Set("query", string(q))
	values.Set("options", string(opts))

	var res FindResult
	if err := c.rest(ctx, http.MethodGet, "find-all", values, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Tx submits a transaction and returns the raw result.
func (c *TransactorClient) Tx(ctx context.Context, tx interface{}) (json.RawMessage, error) {
	if c.websocket() {
		return c.d.Call(ctx, c.ep, "tx", []interface{}{tx})
	}
	var res json.RawMessage
	if err := c.rest(ctx, http.MethodPost, "tx", nil, tx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checks that the transactor answers.
func (c *TransactorClient) Ping(ctx context.Context) error {
	if c.websocket() {
		_, err := c.d.Call(ctx, c.ep, "ping", []interface{}{}, dispatcher.Idempotent())
		return err
	}
	return c.rest(ctx, http.MethodGet, "ping", nil, nil, nil)
}

// Events subscribes to pushed transactions. It needs a WebSocket endpoint.
func (c *TransactorClient) Events(ctx context.Context, buffer int) (*transport.Subscription, error) {
	return c.d.Subscribe(ctx, c.ep, buffer)
}

// rest calls /api/v1/<op>/<workspace> on the HTTP endpoint.
func (c *TransactorClient) rest(ctx context.Context, method, op string, query url.Values, body, out interface{}) error {
	base, err := ForceHTTPScheme(c.ep.BaseURL)
	if err != nil {
		return err
	}
	u, err := url.Parse(base)
	if err != nil {
		return sdkerrors.InvalidArgument("url", err.Error())
	}
	target := joinPath(u, "api", "v1", op, c.workspace)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req := &transport.HTTPRequest{
		Route:      c.ep.Name,
		Method:     method,
		URL:        target,
		Idempotent: method == http.MethodGet,
		Tokens:     c.ep.Tokens,
	}
	if body != nil {
		if req.Body, err = json.Marshal(body); err != nil {
			return sdkerrors.InvalidArgument("body", err.Error())
		}
	}

	resp, err := c.d.Pipeline().Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}
