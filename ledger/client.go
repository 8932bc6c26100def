// Package ledger records transactions through the backend's
// create-transaction function.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// CreatePath is the backend function that stores a transaction.
const CreatePath = "/functions/v1/create-transaction"

const (
	TypeExpense = "expense"
	TypeIncome  = "income"
)

// Categories are the spending buckets the backend knows about.
var Categories = []string{
	"Food",
	"Transport",
	"Shopping",
	"Entertainment",
	"Bills",
	"Health",
	"Education",
	"Travel",
	"Salary",
	"Other",
}

// Transaction is one ledger entry as submitted by the assistant.
type Transaction struct {
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Date        string  `json:"date"`
	Type        string  `json:"type"`
}

// Client talks to the backend for one end user.
type Client struct {
	BaseURL string
	AnonKey string
	Token   string
	HTTP    *http.Client

	now func() time.Time
}

func NewClient(baseURL, anonKey, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		AnonKey: anonKey,
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// Create stores tx, filling in today's date and the expense type when
// absent, and returns the backend's JSON reply.
func (c *Client) Create(ctx context.Context, tx Transaction) (map[string]any, error) {
	if tx.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", tx.Amount)
	}
	if tx.Category == "" {
		return nil, fmt.Errorf("category is required")
	}
	if tx.Date == "" {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		tx.Date = now().Format(time.DateOnly)
	}
	if tx.Type == "" {
		tx.Type = TypeExpense
	}

	body, err := sonic.Marshal(tx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+CreatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.AnonKey != "" {
		req.Header.Set("apikey", c.AnonKey)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create transaction: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		out["success"] = true
		return out, nil
	}
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("create transaction: invalid response: %w", err)
	}
	return out, nil
}
