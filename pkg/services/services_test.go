package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/platform-client-go/pkg/dispatcher"
	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	policy := retry.New(retry.Config{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond})
	tokens := transport.NewSequenceTokens("tok")
	d := dispatcher.New(
		transport.NewHTTPPipeline(transport.HTTPConfig{}, transport.WithPolicy(policy), transport.WithTokenSource(tokens)),
		dispatcher.WithSessionOptions(transport.WithSessionTokens(tokens), transport.WithSessionPolicy(policy)),
	)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestForceHTTPScheme(t *testing.T) {
	tests := map[string]string{
		"ws://host:3333/path": "http://host:3333/path",
		"wss://host":          "https://host",
		"https://host/x":      "https://host/x",
	}
	for in, want := range tests {
		got, err := ForceHTTPScheme(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ForceHTTPScheme("ftp://host")
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeInvalidParams))
}

func TestAccountClient(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	var selectParams map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		methods = append(methods, req.Method)
		mu.Unlock()

		switch req.Method {
		case "getLoginInfoByToken":
			_, _ = io.WriteString(w, `{"result":{"account":"acc-1","name":"Ada","socialId":"s1"}}`)
		case "selectWorkspace":
			selectParams = req.Params
			_, _ = io.WriteString(w, `{"result":{"account":"acc-1","token":"ws-token","workspace":"ws-uuid","endpoint":"wss://tx.example.com","role":"OWNER"}}`)
		case "getUserWorkspaces":
			_, _ = io.WriteString(w, `{"result":[{"uuid":"w1","name":"One","url":"one","createdOn":1700000000000,"status":{"mode":"active","isDisabled":false}}]}`)
		case "getRegionInfo":
			_, _ = io.WriteString(w, `{"result":[{"region":"","name":"default"},{"region":"eu","name":"Europe"}]}`)
		}
	}))
	defer srv.Close()

	c := NewAccountClient(newDispatcher(t), dispatcher.Endpoint{Name: "account", BaseURL: srv.URL, Kind: dispatcher.KindHTTP})
	ctx := context.Background()

	login, err := c.GetLoginInfoByToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", login.Account)
	assert.Equal(t, "Ada", login.Name)

	ws, err := c.SelectWorkspace(ctx, SelectWorkspaceParams{WorkspaceURL: "one"})
	require.NoError(t, err)
	assert.Equal(t, "ws-uuid", ws.Workspace)
	assert.Equal(t, "ws-token", ws.Token)
	assert.Equal(t, "wss://tx.example.com", ws.Endpoint)
	assert.Equal(t, "internal", selectParams["kind"])
	assert.Equal(t, []interface{}{}, selectParams["externalRegions"])

	list, err := c.GetUserWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w1", list[0].UUID)
	assert.Equal(t, "active", list[0].Status.Mode)
	assert.Equal(t, int64(1700000000000), list[0].CreatedOn)

	regions, err := c.GetRegionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RegionInfo{{Region: "", Name: "default"}, {Region: "eu", Name: "Europe"}}, regions)

	assert.Equal(t, []string{"getLoginInfoByToken", "selectWorkspace", "getUserWorkspaces", "getRegionInfo"}, methods)
}

func TestAccountClientMalformedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":"not an object"}`)
	}))
	defer srv.Close()

	c := NewAccountClient(newDispatcher(t), dispatcher.Endpoint{Name: "account", BaseURL: srv.URL})
	_, err := c.GetLoginInfoByToken(context.Background())
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeMalformedFrame), "got %v", err)
}

// kvsServer is an in-memory key-value service.
func kvsServer(t *testing.T) (*httptest.Server, map[string][]byte) {
	var mu sync.Mutex
	store := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := r.URL.Path
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			data, _ := io.ReadAll(r.Body)
			store[key] = data
		case http.MethodGet:
			v, ok := store[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(v)
		case http.MethodDelete:
			if _, ok := store[key]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(store, key)
		}
	}))
	return srv, store
}

func TestKVSClient(t *testing.T) {
	srv, store := kvsServer(t)
	defer srv.Close()

	pipeline := transport.NewHTTPPipeline(transport.HTTPConfig{}, transport.WithTokenSource(transport.NewSequenceTokens("tok")))
	c, err := NewKVSClient(pipeline, srv.URL, "tests", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Upsert(ctx, "greeting", []byte("hello")))
	assert.Equal(t, []byte("hello"), store["/api/tests/greeting"])

	v, ok, err := c.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	require.NoError(t, c.Delete(ctx, "greeting"))
	_, ok, _ = c.Get(ctx, "greeting")
	assert.False(t, ok)

	err = c.Delete(ctx, "greeting")
	assert.Equal(t, http.StatusNotFound, sdkerrors.StatusCode(err))
}

func TestKVSClientValidation(t *testing.T) {
	_, err := NewKVSClient(nil, "http://kvs", "", nil)
	assert.Error(t, err)
	_, err = NewKVSClient(nil, "not a url", "ns", nil)
	assert.Error(t, err)
}

func TestTransactorClientWebSocket(t *testing.T) {
	srv := transport.NewMockWSServer()
	defer srv.Close()

	var findParams []json.RawMessage
	srv.Handle("findAll", func(params json.RawMessage) (interface{}, *sdkerrors.Status) {
		_ = json.Unmarshal(params, &findParams)
		return map[string]interface{}{"dataType": "TotalArray", "total": 1, "value": []interface{}{map[string]string{"_id": "doc1"}}}, nil
	})
	srv.Handle("tx", func(params json.RawMessage) (interface{}, *sdkerrors.Status) {
		return map[string]bool{"ok": true}, nil
	})
	srv.Handle("ping", func(json.RawMessage) (interface{}, *sdkerrors.Status) {
		return "pong!", nil
	})

	c := NewTransactorClient(newDispatcher(t), dispatcher.Endpoint{Name: "transactor", BaseURL: srv.URL(), Kind: dispatcher.KindWebSocket}, "ws1")
	ctx := context.Background()

	res, err := c.FindAll(ctx, "core:class:Space", map[string]string{"name": "general"}, FindOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Value, 1)
	assert.JSONEq(t, `{"_id":"doc1"}`, string(res.Value[0]))
	require.Len(t, findParams, 3)
	assert.Equal(t, `"core:class:Space"`, string(findParams[0]))
	assert.JSONEq(t, `{"name":"general"}`, string(findParams[1]))
	assert.JSONEq(t, `{"limit":1,"total":false,"showArchived":false}`, string(findParams[2]))

	out, err := c.Tx(ctx, map[string]string{"_class": "core:class:TxCreateDoc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	require.NoError(t, c.Ping(ctx))

	sub, err := c.Events(ctx, 8)
	require.NoError(t, err)
	defer sub.Close()
	srv.PushRaw(`{"result":[{"_id":"tx1"},{"_id":"tx2"}]}`)
	for _, want := range []string{"tx1", "tx2"} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, transport.TxEvent, ev.Event)
			assert.Contains(t, string(ev.Payload), want)
		case <-time.After(time.Second):
			t.Fatalf("missing pushed transaction %s", want)
		}
	}

	_, err = c.FindAll(ctx, "c", []int{1}, FindOptions{})
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeInvalidParams))
}

func TestTransactorClientHTTP(t *testing.T) {
	var txBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/find-all/ws1":
			q := r.URL.Query()
			assert.Equal(t, "core:class:Space", q.Get("class"))
			assert.JSONEq(t, `{"name":"general"}`, q.Get("query"))
			assert.JSONEq(t, `{"total":true,"showArchived":false}`, q.Get("options"))
			_, _ = io.WriteString(w, `{"dataType":"TotalArray","total":7,"value":[]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tx/ws1":
			data, _ := io.ReadAll(r.Body)
			txBody = string(data)
			_, _ = io.WriteString(w, `{"id":"tx-id"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/ping/ws1":
			_, _ = io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewTransactorClient(newDispatcher(t), dispatcher.Endpoint{Name: "transactor", BaseURL: base, Kind: dispatcher.KindHTTP}, "ws1")
	ctx := context.Background()

	res, err := c.FindAll(ctx, "core:class:Space", map[string]string{"name": "general"}, FindOptions{Total: true})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Total)

	out, err := c.Tx(ctx, map[string]string{"_id": "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tx-id"}`, string(out))
	assert.JSONEq(t, `{"_id":"t"}`, txBody)

	require.NoError(t, c.Ping(ctx))

	_, err = c.Events(ctx, 1)
	assert.Error(t, err)
}
