package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type negotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	URL                 string `json:"url"`
	Error               string `json:"error"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
}

// negotiate asks the hub for a connection token and checks it offers
// websockets.
func (m *Manager) negotiate(ctx context.Context, hub *url.URL, token string) (string, error) {
	u := *hub
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("negotiate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("negotiate: decode response: %w", err)
	}
	if data.Error != "" {
		return "", fmt.Errorf("negotiate: %s", data.Error)
	}
	if data.URL != "" {
		return "", errors.New("negotiate: redirects are not supported")
	}
	websockets := false
	for _, t := range data.AvailableTransports {
		if t.Transport == "WebSockets" {
			websockets = true
		}
	}
	if !websockets {
		return "", errors.New("negotiate: hub does not offer WebSockets")
	}

	// Version 0 servers only hand out the connection id.
	if data.ConnectionToken != "" {
		return data.ConnectionToken, nil
	}
	return data.ConnectionID, nil
}

func websocketURL(hub *url.URL, connectionToken, accessToken string) string {
	u := *hub
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if connectionToken != "" {
		q.Set("id", connectionToken)
	}
	if accessToken != "" {
		// Browsers cannot set headers on websockets; hubs read the token from
		// the query string.
		q.Set("access_token", accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// dial negotiates, opens the websocket and completes the protocol handshake.
func (m *Manager) dial(ctx context.Context) (*hubConn, [][]byte, error) {
	hub, err := url.Parse(m.opts.HubURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid hub url: %w", err)
	}
	var token string
	if m.opts.AccessToken != nil {
		token = m.opts.AccessToken()
	}

	var connectionToken string
	if !m.opts.SkipNegotiation {
		if connectionToken, err = m.negotiate(ctx, hub, token); err != nil {
			return nil, nil, err
		}
	}

	ws, resp, err := m.opts.Dialer.DialContext(ctx, websocketURL(hub, connectionToken, token), nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}

	initial, err := handshake(ws, m.opts.HandshakeTimeout)
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	return newHubConn(ws, m.opts.KeepAliveInterval, m.opts.ServerTimeout, m.log), initial, nil
}

func handshake(ws *websocket.Conn, timeout time.Duration) ([][]byte, error) {
	ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteMessage(websocket.TextMessage, handshakeFrame); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return parseHandshake(data)
}
