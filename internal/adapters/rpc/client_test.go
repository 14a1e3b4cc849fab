package rpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/treasury/internal/adapters/rpc"
)

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func serve(t *testing.T, handler func(req request) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchBalance_Native(t *testing.T) {
	srv := serve(t, func(req request) string {
		assert.Equal(t, "getBalance", req.Method)
		var addr string
		assert.NoError(t, json.Unmarshal(req.Params[0], &addr))
		assert.Equal(t, "Wallet111", addr)
		return `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":1500000000}}`
	})

	b, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "Wallet111")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), b.Native)
	assert.Empty(t, b.Assets)
}

func TestFetchBalance_ZeroIsNotAnError(t *testing.T) {
	srv := serve(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":0}}`
	})

	b, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "w")
	require.NoError(t, err)
	assert.Zero(t, b.Native)
}

func TestFetchBalance_MissingValueIsAnError(t *testing.T) {
	srv := serve(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1}}}`
	})

	_, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "w")
	assert.Error(t, err)
}

func TestFetchBalance_RPCError(t *testing.T) {
	srv := serve(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param: WrongSize"}}`
	})

	_, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WrongSize")
}

func TestFetchBalance_TokenAccounts(t *testing.T) {
	srv := serve(t, func(req request) string {
		switch req.Method {
		case "getBalance":
			return `{"jsonrpc":"2.0","id":1,"result":{"value":10}}`
		case "getTokenAccountsByOwner":
			var filter map[string]string
			assert.NoError(t, json.Unmarshal(req.Params[1], &filter))
			if filter["mint"] == "EMPTY" {
				return `{"jsonrpc":"2.0","id":2,"result":{"value":[]}}`
			}
			return `{"jsonrpc":"2.0","id":2,"result":{"value":[
				{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"700"}}}}}},
				{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"300"}}}}}}
			]}}`
		}
		t.Errorf("unexpected method %s", req.Method)
		return ""
	})

	c := rpc.NewClient(srv.URL, 100)
	c.Mints = []string{"USDC", "EMPTY"}
	b, err := c.FetchBalance(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Native)
	assert.Equal(t, map[string]int64{"USDC": 1_000}, b.Assets)
}

func TestFetchBalance_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":42}}`))
	}))
	defer srv.Close()

	b, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Native)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchBalance_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := rpc.NewClient(srv.URL, 100).FetchBalance(context.Background(), "w")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
