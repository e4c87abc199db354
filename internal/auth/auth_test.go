package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LocalChat/internal/auth"
	"LocalChat/internal/session"
)

func TestLogin_TrimsAndReturnsIdentity(t *testing.T) {
	var got auth.Credentials
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"Login successful"}`))
	}))
	defer srv.Close()

	id, err := auth.NewClient(srv.URL+"/", srv.Client()).Login(context.Background(), "  a@x.com ", " pw\n")
	require.NoError(t, err)
	assert.Equal(t, session.Identity("a@x.com"), id)
	assert.Equal(t, auth.Credentials{Email: "a@x.com", Password: "pw"}, got)
}

func TestMissingFields_NoNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()
	c := auth.NewClient(srv.URL, srv.Client())

	_, err := c.Login(context.Background(), "  ", "pw")
	assert.ErrorIs(t, err, auth.ErrMissingFields)
	err = c.Register(context.Background(), "a@x.com", "   ")
	assert.ErrorIs(t, err, auth.ErrMissingFields)
	assert.Zero(t, calls)
}

func TestFailureMessages(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Incorrect password"}`, "Incorrect password"},
		{"detail field", http.StatusNotFound, `{"detail":"Email not found"}`, "Email not found"},
		{"no body", http.StatusInternalServerError, ``, "Login failed."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := auth.NewClient(srv.URL, srv.Client()).Login(context.Background(), "a@x.com", "pw")
			var failure *auth.Failure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tc.status, failure.Status)
			assert.Equal(t, tc.want, failure.Error())
		})
	}
}

func TestRegister_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		_, _ = w.Write([]byte(`{"message":"User registered successfully"}`))
	}))
	defer srv.Close()

	assert.NoError(t, auth.NewClient(srv.URL, srv.Client()).Register(context.Background(), "a@x.com", "pw"))
}
