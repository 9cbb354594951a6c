package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// StatusError is returned for non-2xx responses from the auth endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("auth endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("auth endpoint returned %d: %s", e.Code, e.Body)
}

// API is the token-issuing backend.
type API interface {
	Register(ctx context.Context, req RegisterRequest) error
	Login(ctx context.Context, req LoginRequest) (LoginResponse, error)
}

// APIClient talks JSON over HTTP to {base}/register and {base}/login.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient returns a client for the auth endpoint rooted at base. A nil
// httpClient uses http.DefaultClient.
func NewAPIClient(base string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &APIClient{base: base, http: httpClient}
}

func (c *APIClient) Register(ctx context.Context, req RegisterRequest) error {
	resp, err := c.postJSON(ctx, "register", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *APIClient) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	resp, err := c.postJSON(ctx, "login", req)
	if err != nil {
		return LoginResponse{}, err
	}
	defer resp.Body.Close()

	var data LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return LoginResponse{}, fmt.Errorf("decode login response: %w", err)
	}
	if data.Token == "" {
		return LoginResponse{}, fmt.Errorf("login response has no token")
	}
	return data, nil
}

// postJSON returns the response only for 2xx statuses; the caller closes it.
func (c *APIClient) postJSON(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
