// Package broker implements ports.Broker against the narrow HTTP
// contract described in the component design: quote, place, cancel,
// and poll order status. Grounded on the teacher's polymarket.Client:
// a *http.Client with a per-call timeout, JSON get/post helpers, and
// exponential backoff retry on transient failures.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

const (
	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client is an HTTP broker gateway client.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type quoteResponse struct {
	Price float64 `json:"price"`
}

func (c *Client) Quote(ctx context.Context, instrument string) (float64, error) {
	var resp quoteResponse
	url := fmt.Sprintf("%s/quote?instrument=%s", c.baseURL, instrument)
	if err := c.get(ctx, url, &resp); err != nil {
		return 0, fmt.Errorf("broker.Quote: %w", err)
	}
	return resp.Price, nil
}

type placeOrderBody struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Lots       int     `json:"lots"`
	OrderType  string  `json:"order_type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
}

func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	var resp placeOrderResponse
	orderType := req.Type
	if orderType == "" {
		orderType = domain.OrderTypeLimit
	}
	body := placeOrderBody{Instrument: req.Instrument, Side: string(req.Side), Lots: req.Lots, OrderType: string(orderType)}
	if orderType == domain.OrderTypeLimit {
		body.LimitPrice = req.LimitPrice
	}
	if err := c.post(ctx, c.baseURL+"/orders", body, &resp); err != nil {
		return "", fmt.Errorf("broker.PlaceOrder: %w", err)
	}
	return resp.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var resp struct{}
	if err := c.post(ctx, c.baseURL+"/orders/"+orderID+"/cancel", struct{}{}, &resp); err != nil {
		return fmt.Errorf("broker.CancelOrder: %w", err)
	}
	return nil
}

type orderStatusResponse struct {
	Status       string  `json:"status"`
	FilledLots   int     `json:"filled_lots"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.BrokerOrder, error) {
	var resp orderStatusResponse
	if err := c.get(ctx, c.baseURL+"/orders/"+orderID, &resp); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("broker.GetOrderStatus: %w", err)
	}
	return domain.BrokerOrder{
		OrderID: orderID, Status: domain.OrderStatus(resp.Status),
		FilledLots: resp.FilledLots, AvgFillPrice: resp.AvgFillPrice,
	}, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doWithRetry retries transient (connection / 5xx) failures with
// exponential backoff (0, 0.5s, 1.0s), matching the executor's own
// broker-call retry policy from the component design.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * baseRetryWait
	if attempt == 0 {
		wait = 0
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

var _ ports.Broker = (*Client)(nil)
