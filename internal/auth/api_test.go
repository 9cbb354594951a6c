package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-chat-client/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_Login(t *testing.T) {
	var got auth.LoginRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/Auth/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "abc"})
	}))
	defer srv.Close()

	c := auth.NewAPIClient(srv.URL+"/api/Auth", nil)
	resp, err := c.Login(context.Background(), auth.LoginRequest{Email: "a@b.c", Password: "pw1234"})

	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Token)
	assert.Equal(t, auth.LoginRequest{Email: "a@b.c", Password: "pw1234"}, got)
}

func TestAPIClient_LoginWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := auth.NewAPIClient(srv.URL, nil).Login(context.Background(), auth.LoginRequest{})
	assert.Error(t, err)
}

func TestAPIClient_RegisterSendsConfirmPassword(t *testing.T) {
	var raw map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := auth.NewAPIClient(srv.URL+"/", nil).Register(context.Background(), auth.RegisterRequest{
		Username: "alice", Email: "a@b.c", Password: "secret1", ConfirmPassword: "secret1",
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"username": "alice", "email": "a@b.c", "password": "secret1", "confirmPassword": "secret1",
	}, raw)
}

func TestAPIClient_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := auth.NewAPIClient(srv.URL, nil).Login(context.Background(), auth.LoginRequest{})

	var statusErr *auth.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "invalid credentials", statusErr.Body)
}
