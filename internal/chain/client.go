package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// RESTClient implements Submitter against a CLOB-style REST API, with
// HMAC-signed trading requests, resty-driven retry on 5xx, and client-side
// rate limiting. Grounded on the teacher's internal/exchange.Client.
type RESTClient struct {
	http    *resty.Client
	wallet  *Wallet
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewRESTClient builds a client pointed at baseURL.
func NewRESTClient(baseURL string, wallet *Wallet, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{http: httpClient, wallet: wallet, limiter: NewRateLimiter(), logger: logger.With("component", "chain")}
}

type orderPayload struct {
	TokenID   string `json:"token_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// SignOrder signs order with the wallet's private key and returns the
// JSON-encoded payload ready for submission.
func (c *RESTClient) SignOrder(ctx context.Context, order Order) ([]byte, error) {
	sig, err := c.wallet.SignOrderTypedData(order)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := orderPayload{
		TokenID:   order.TokenID,
		Side:      order.Side,
		Price:     order.Price.String(),
		Size:      order.Size.String(),
		Nonce:     fmt.Sprintf("%d", order.Nonce),
		Signature: "0x" + fmt.Sprintf("%x", sig),
	}
	return json.Marshal(payload)
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

// SubmitOrder posts the already-signed payload and returns the tx hash.
func (c *RESTClient) SubmitOrder(ctx context.Context, signed []byte) (string, error) {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	headers, err := c.wallet.L2Headers(http.MethodPost, "/orders", string(signed))
	if err != nil {
		return "", fmt.Errorf("build auth headers: %w", err)
	}

	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(signed).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.TxHash, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance fetches the free USDC balance for wallet.
func (c *RESTClient) GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limit wait: %w", err)
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("wallet", wallet).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.Balance)
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

// GetPendingNonce returns the chain's current pending-nonce view.
func (c *RESTClient) GetPendingNonce(ctx context.Context, wallet string) (uint64, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	var result nonceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("wallet", wallet).
		SetResult(&result).
		Get("/nonce")
	if err != nil {
		return 0, fmt.Errorf("get pending nonce: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get pending nonce: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Nonce, nil
}

type gasResponse struct {
	BaseFeeWei     string `json:"base_fee_wei"`
	PriorityFeeWei string `json:"priority_fee_wei"`
	GasLimit       uint64 `json:"gas_limit"`
}

// GetGasEstimate fetches current gas pricing.
func (c *RESTClient) GetGasEstimate(ctx context.Context) (GasEstimate, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return GasEstimate{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var result gasResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/gas")
	if err != nil {
		return GasEstimate{}, fmt.Errorf("get gas estimate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return GasEstimate{}, fmt.Errorf("get gas estimate: status %d: %s", resp.StatusCode(), resp.String())
	}
	baseFee, err := decimal.NewFromString(result.BaseFeeWei)
	if err != nil {
		return GasEstimate{}, fmt.Errorf("parse base fee: %w", err)
	}
	priorityFee, err := decimal.NewFromString(result.PriorityFeeWei)
	if err != nil {
		return GasEstimate{}, fmt.Errorf("parse priority fee: %w", err)
	}
	return GasEstimate{BaseFeeWei: baseFee, PriorityFeeWei: priorityFee, GasLimit: result.GasLimit}, nil
}

type receiptResponse struct {
	TxHash  string `json:"tx_hash"`
	Success bool   `json:"success"`
	GasUsed string `json:"gas_used"`
}

// WaitForReceipt polls for a transaction receipt until timeout.
func (c *RESTClient) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return Receipt{}, fmt.Errorf("wait for receipt %s: timeout", txHash)
		}

		if err := c.limiter.Read.Wait(ctx); err != nil {
			return Receipt{}, fmt.Errorf("rate limit wait: %w", err)
		}

		var result receiptResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("tx_hash", txHash).
			SetResult(&result).
			Get("/receipt")
		if err == nil && resp.StatusCode() == http.StatusOK && result.TxHash != "" {
			gasUsed, _ := decimal.NewFromString(result.GasUsed)
			return Receipt{TxHash: result.TxHash, Success: result.Success, GasUsed: gasUsed}, nil
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
