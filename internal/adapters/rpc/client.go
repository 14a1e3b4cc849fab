// Package rpc lee balances de wallets vía JSON-RPC (dialecto Solana:
// getBalance y getTokenAccountsByOwner).
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/treasury/internal/domain"
)

const (
	defaultEndpoint = "https://api.mainnet-beta.solana.com"

	// Public RPC: 100 req/10s por IP → 60% → 6/s.
	defaultRatePerSec = 6

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es el JSON-RPC client con rate limiting y retries.
type Client struct {
	http     *http.Client
	endpoint string
	limiter  *rate.Limiter
	nextID   atomic.Int64

	// Mints lista los assets cuyos balances se reportan además del nativo.
	Mints []string
}

// NewClient crea un Client. endpoint vacío usa mainnet; ratePerSec <= 0 usa el default.
func NewClient(endpoint string, ratePerSec float64) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	burst := int(math.Max(1, ratePerSec))
	return &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call ejecuta un método y decodifica result en out.
// Un error JSON-RPC no se reintenta: el nodo respondió.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	var resp rpcResponse
	if err := c.doWithRetry(ctx, body, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// doWithRetry hace el POST con backoff exponencial en errores de red, 429 y 5xx.
func (c *Client) doWithRetry(ctx context.Context, body []byte, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server status %d after %d retries", resp.StatusCode, maxRetries)
			}
			slog.Warn("rpc: retrying", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(b))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

type balanceResult struct {
	Value *int64 `json:"value"`
}

type tokenAccountsResult struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// FetchBalance implementa ports.BalanceProvider.
// Un balance cero es {"value":0}; cualquier otra respuesta sin value es error.
func (c *Client) FetchBalance(ctx context.Context, address string) (domain.Balance, error) {
	var br balanceResult
	if err := c.call(ctx, "getBalance", []any{address, map[string]string{"commitment": "confirmed"}}, &br); err != nil {
		return domain.Balance{}, fmt.Errorf("rpc.FetchBalance: %s: %w", address, err)
	}
	if br.Value == nil {
		return domain.Balance{}, fmt.Errorf("rpc.FetchBalance: %s: missing value", address)
	}

	assets := make(map[string]int64, len(c.Mints))
	for _, mint := range c.Mints {
		var tr tokenAccountsResult
		err := c.call(ctx, "getTokenAccountsByOwner", []any{
			address,
			map[string]string{"mint": mint},
			map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
		}, &tr)
		if err != nil {
			return domain.Balance{}, fmt.Errorf("rpc.FetchBalance: %s mint %s: %w", address, mint, err)
		}
		var total int64
		for _, acc := range tr.Value {
			n, err := strconv.ParseInt(acc.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
			if err != nil {
				return domain.Balance{}, fmt.Errorf("rpc.FetchBalance: %s mint %s: parse amount: %w", address, mint, err)
			}
			total += n
		}
		if total > 0 {
			assets[mint] = total
		}
	}

	return domain.Balance{Native: *br.Value, Assets: assets}, nil
}
