package hubtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go-chat-client/internal/credential"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccounts(t *testing.T) {
	a := NewAccounts("secret", time.Hour)
	require.NoError(t, a.Register("alice", "alice@example.com", "secret1"))
	assert.ErrorIs(t, a.Register("alice", "other@example.com", "secret1"), ErrAccountExists)
	assert.ErrorIs(t, a.Register("other", "alice@example.com", "secret1"), ErrAccountExists)

	_, err := a.Login("alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Login("nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := a.Login("alice@example.com", "secret1")
	require.NoError(t, err)

	id, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, credential.Identity{ID: "1", Username: "alice", Email: "alice@example.com"}, id)

	// The client decodes the same token without the secret.
	decoded, err := credential.DecodeIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)

	_, err = NewAccounts("other-secret", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthMiddleware(t *testing.T) {
	a := NewAccounts("secret", time.Hour)
	token, err := a.Issue(credential.Identity{ID: "7", Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)

	required := true
	var seen string
	h := authMiddleware(a, func() bool { return required })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		seen = id.Username
	}))

	tests := []struct {
		name     string
		header   string
		query    string
		required bool
		code     int
		user     string
	}{
		{name: "bearer header", header: "Bearer " + token, required: true, code: http.StatusOK, user: "bob"},
		{name: "query parameter", query: "?access_token=" + token, required: true, code: http.StatusOK, user: "bob"},
		{name: "missing token", required: true, code: http.StatusUnauthorized},
		{name: "anonymous allowed", required: false, code: http.StatusOK},
		{name: "invalid token", header: "Bearer nope", required: false, code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required, seen = tt.required, ""
			req := httptest.NewRequest(http.MethodGet, "/chathub"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.user, seen)
		})
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv := NewServer(Options{})
	defer srv.Close()

	post := func(body any) int {
		data, _ := json.Marshal(body)
		resp, err := http.Post(srv.AuthURL()+"register", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	ok := map[string]string{"username": "alice", "email": "alice@example.com", "password": "secret1", "confirmPassword": "secret1"}
	assert.Equal(t, http.StatusCreated, post(ok))
	assert.Equal(t, http.StatusConflict, post(ok))
	assert.Equal(t, http.StatusBadRequest, post(map[string]string{"username": "x"}))
	assert.Equal(t, http.StatusBadRequest, post(map[string]string{
		"username": "carol", "email": "carol@example.com", "password": "secret1", "confirmPassword": "secret2",
	}))
}

func TestNegotiateAvailability(t *testing.T) {
	srv := NewServer(Options{})
	defer srv.Close()

	resp, err := http.Post(srv.HubURL()+"/negotiate?negotiateVersion=1", "text/plain", nil)
	require.NoError(t, err)
	var body struct {
		ConnectionToken     string `json:"connectionToken"`
		AvailableTransports []struct {
			Transport string `json:"transport"`
		} `json:"availableTransports"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.NotEmpty(t, body.ConnectionToken)
	require.Len(t, body.AvailableTransports, 1)
	assert.Equal(t, "WebSockets", body.AvailableTransports[0].Transport)
	assert.Equal(t, 1, srv.Negotiations())

	srv.SetAvailable(false)
	resp, err = http.Post(srv.HubURL()+"/negotiate?negotiateVersion=1", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
