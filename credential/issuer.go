// Package credential obtains short-lived realtime session keys from the
// backend's token-issuing function.
package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// SessionPath is the backend function that mints realtime session keys.
const SessionPath = "/functions/v1/realtime-session"

// Error reports that no usable session key was obtained.
type Error struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("credential request failed: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("credential request failed: status %d: %s", e.StatusCode, e.Reason)
	default:
		return "credential request failed: " + e.Reason
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Credential is a short-lived bearer key for one realtime session.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

type sessionRequest struct {
	Voice string `json:"voice"`
}

type sessionResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Issuer calls the token function on behalf of one end user.
type Issuer struct {
	BaseURL string
	AnonKey string
	// Token authenticates the end user to the backend.
	Token  string
	Client *http.Client
}

// NewIssuer creates an issuer with a bounded HTTP client.
func NewIssuer(baseURL, anonKey, token string) *Issuer {
	return &Issuer{
		BaseURL: baseURL,
		AnonKey: anonKey,
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Issue requests a session key for voice.
func (i *Issuer) Issue(ctx context.Context, voice string) (Credential, error) {
	body, err := sonic.Marshal(sessionRequest{Voice: voice})
	if err != nil {
		return Credential{}, &Error{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.BaseURL+SessionPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if i.Token != "" {
		req.Header.Set("Authorization", "Bearer "+i.Token)
	}
	if i.AnonKey != "" {
		req.Header.Set("apikey", i.AnonKey)
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &Error{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, &Error{StatusCode: resp.StatusCode, Reason: string(bytes.TrimSpace(raw))}
	}

	var out sessionResponse
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return Credential{}, &Error{Err: fmt.Errorf("invalid response: %w", err)}
	}
	if out.ClientSecret == nil || out.ClientSecret.Value == "" {
		return Credential{}, &Error{Reason: "response has no client_secret.value"}
	}

	cred := Credential{Value: out.ClientSecret.Value}
	if out.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(out.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
