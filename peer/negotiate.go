package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NegotiationError reports a failed offer/answer exchange.
type NegotiationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiation failed: %v", e.Err)
	}
	return fmt.Sprintf("negotiation failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Negotiator posts a local session description to the model endpoint and
// returns the answer.
type Negotiator struct {
	URL    string
	Model  string
	Client *http.Client
}

// NewNegotiator creates a negotiator for endpoint with a bounded client.
func NewNegotiator(endpoint, model string) *Negotiator {
	return &Negotiator{
		URL:    endpoint,
		Model:  model,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Exchange sends offer as application/sdp authenticated by token.
func (n *Negotiator) Exchange(ctx context.Context, token, offer string) (string, error) {
	endpoint, err := url.Parse(n.URL)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("invalid endpoint: %w", err)}
	}
	if n.Model != "" {
		q := endpoint.Query()
		q.Set("model", n.Model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offer))
	if err != nil {
		return "", &NegotiationError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &NegotiationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NegotiationError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &NegotiationError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return string(body), nil
}
