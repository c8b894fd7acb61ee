package services

import (
	"context"
	"net/http"
	"net/url"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// KVSRoute is the rate limit and telemetry route of key-value calls.
const KVSRoute = "kvs"

// KVSClient stores opaque values under api/<namespace>/<key>.
type KVSClient struct {
	pipeline  *transport.HTTPPipeline
	base      *url.URL
	namespace string
	logger    logging.Logger
}

// NewKVSClient creates a client for the key-value service at baseURL.
func NewKVSClient(pipeline *transport.HTTPPipeline, baseURL, namespace string, logger logging.Logger) (*KVSClient, error) {
	if namespace == "" {
		return nil, sdkerrors.InvalidArgument("namespace", "namespace is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, sdkerrors.InvalidArgument("kvs url", "absolute url required")
	}
	return &KVSClient{
		pipeline:  pipeline,
		base:      u,
		namespace: namespace,
		logger:    logging.OrNop(logger).WithFields(logging.Component("kvs")),
	}, nil
}

func (c *KVSClient) url(key string) string {
	return joinPath(c.base, "api", c.namespace, key)
}

// Upsert stores value under key.
func (c *KVSClient) Upsert(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.pipeline.Send(ctx, &transport.HTTPRequest{
		Route:       KVSRoute,
		Method:      http.MethodPost,
		URL:         c.url(key),
		Body:        value,
		ContentType: "application/octet-stream",
		Idempotent:  true,
	})
	if err != nil {
		return err
	}
	c.logger.Debug("upsert", logging.String("key", key), logging.Int("bytes", len(value)))
	return nil
}

// Get returns the value under key. A missing key yields ok == false and no
// error.
func (c *KVSClient) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	resp, err := c.pipeline.Send(ctx, &transport.HTTPRequest{
		Route:      KVSRoute,
		Method:     http.MethodGet,
		URL:        c.url(key),
		Header:     http.Header{"Accept": []string{"application/octet-stream"}},
		Idempotent: true,
	})
	if sdkerrors.StatusCode(err) == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.logger.Debug("get", logging.String("key", key), logging.Int("bytes", len(resp.Body)))
	return resp.Body, true, nil
}

// Delete removes key.
func (c *KVSClient) Delete(ctx context.Context, key string) error {
	_, err := c.pipeline.Send(ctx, &transport.HTTPRequest{
		Route:      KVSRoute,
		Method:     http.MethodDelete,
		URL:        c.url(key),
		Idempotent: true,
	})
	if err != nil {
		return err
	}
	c.logger.Debug("delete", logging.String("key", key))
	return nil
}
