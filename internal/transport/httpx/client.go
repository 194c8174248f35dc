package httpx

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

	"github.com/pdsno/pdsno/internal/envelope"
)

// Client POSTs signed envelopes to a peer controller's HTTP transport.
type Client struct {
	baseURL string
	http    *http.Client
	sign    func(*envelope.Envelope) error
	verify  func(*envelope.Envelope) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientSigner signs envelopes before they are sent.
func WithClientSigner(sign func(*envelope.Envelope) error) ClientOption {
	return func(c *Client) { c.sign = sign }
}

// WithClientVerifier verifies response envelopes.
func WithClientVerifier(verify func(*envelope.Envelope) error) ClientOption {
	return func(c *Client) { c.verify = verify }
}

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send POSTs env to /message/<lowercased-type> and returns the peer's
// response envelope, or nil when the peer answered {status: accepted}.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if c.sign != nil && env.Signature == "" {
		if err := c.sign(env); err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
	}
	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/message/" + strings.ToLower(string(env.MessageType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(raw, &detail)
		return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, detail.Detail)
	}

	var accepted struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &accepted); err == nil && accepted.Status == "accepted" {
		return nil, nil
	}

	out, err := envelope.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if c.verify != nil {
		if err := c.verify(out); err != nil {
			return nil, fmt.Errorf("verify response: %w", err)
		}
	}
	return out, nil
}

// Health fetches the peer's /health document.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}
