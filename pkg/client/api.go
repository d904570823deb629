// Package client talks to a chatrelay server: the account API over HTTP
// and the chat session over WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// APIError is a non-2xx answer from the relay's HTTP API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// API talks to the relay's account endpoints.
type API struct {
	base *url.URL
	http *http.Client

	// Header is added to every request
	Header http.Header
}

// NewAPI creates an API client for the relay at server (http base URL or
// host:port).
func NewAPI(server string) (*API, error) {
	u, err := ServerURL(server)
	if err != nil {
		return nil, err
	}
	return &API{base: u, http: &http.Client{Timeout: 15 * time.Second}}, nil
}

// BaseURL returns the normalized http base URL.
func (a *API) BaseURL() string {
	return a.base.String()
}

// WebSocketURL returns the ws:// or wss:// address of the /ws endpoint.
func (a *API) WebSocketURL() string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

// Register creates an account.
func (a *API) Register(ctx context.Context, username, password string) error {
	var out protocol.StatusResponse
	return a.post(ctx, "/api/auth/register", "", protocol.CredentialsRequest{Username: username, Password: password}, &out)
}

// Login exchanges credentials for a session token.
func (a *API) Login(ctx context.Context, username, password string) (*protocol.LoginResponse, error) {
	var out protocol.LoginResponse
	if err := a.post(ctx, "/api/auth/login", "", protocol.CredentialsRequest{Username: username, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Check returns the username a token was issued to.
func (a *API) Check(ctx context.Context, token string) (string, error) {
	var out protocol.CheckResponse
	if err := a.post(ctx, "/api/auth/check", token, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}

func (a *API) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base.String()+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range a.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e protocol.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 or 403 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}
