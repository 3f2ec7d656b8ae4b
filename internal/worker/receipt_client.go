package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// ReceiptPath is the delivery confirmation endpoint on the API server.
const ReceiptPath = "/api/campaigns/delivery-receipt"

// ErrReceiptRejected means the receipt endpoint answered with a 4xx. The
// update reached the tracker and was refused, so there is nothing to retry.
var ErrReceiptRejected = errors.New("delivery receipt rejected")

// ReceiptClient confirms dispatch outcomes by POSTing them to the delivery
// receipt endpoint, the same channel a real vendor callback would use.
type ReceiptClient struct {
	baseURL string
	client  httpretry.HTTPDoer
}

// NewReceiptClient creates a client for the API at baseURL. Server errors
// and network failures are retried up to retries times.
func NewReceiptClient(baseURL string, timeout time.Duration, retries int, opts ...httpretry.Option) *ReceiptClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReceiptClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, retries, opts...),
	}
}

type receiptResponse struct {
	Outcome campaign.Outcome `json:"outcome"`
	Error   string           `json:"error"`
}

// Confirm posts u to the receipt endpoint. A 4xx answer wraps
// ErrReceiptRejected; any other failure is a transport error.
func (c *ReceiptClient) Confirm(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ReceiptPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post receipt: %w", err)
	}
	defer resp.Body.Close()

	var out receiptResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out.Outcome, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrReceiptRejected, resp.StatusCode, out.Error)
	default:
		return "", fmt.Errorf("post receipt: status %d", resp.StatusCode)
	}
}
