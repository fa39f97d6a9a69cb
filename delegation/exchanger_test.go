package delegkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPExchangerSendsRFC8693Grant(t *testing.T) {
	var got *http.Request
	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":      "downstream-token",
			"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
			"token_type":        "Bearer",
			"expires_in":        300,
		})
	}))
	defer sts.Close()

	x := &HTTPExchanger{
		TokenURL:     sts.URL,
		ClientID:     "gateway",
		ClientSecret: "secret",
	}
	tok, err := x.Exchange(context.Background(), ExchangeRequest{
		Subject:      "user-1",
		Audience:     "billing",
		Scope:        "invoices:read",
		SubjectToken: "subject-jwt",
	})
	require.NoError(t, err)
	require.Equal(t, "downstream-token", tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), tok.Expiry, 5*time.Second)

	require.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", got.PostForm.Get("grant_type"))
	require.Equal(t, "subject-jwt", got.PostForm.Get("subject_token"))
	require.Equal(t, "urn:ietf:params:oauth:token-type:access_token", got.PostForm.Get("subject_token_type"))
	require.Equal(t, "billing", got.PostForm.Get("audience"))
	require.Equal(t, "invoices:read", got.PostForm.Get("scope"))

	user, pass, ok := got.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "gateway", user)
	require.Equal(t, "secret", pass)
}

func TestHTTPExchangerNon200(t *testing.T) {
	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer sts.Close()

	x := &HTTPExchanger{TokenURL: sts.URL}
	_, err := x.Exchange(context.Background(), ExchangeRequest{SubjectToken: "s", Audience: "a"})
	require.Error(t, err)
}

func TestHTTPExchangerEmptyToken(t *testing.T) {
	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token_type": "Bearer"})
	}))
	defer sts.Close()

	x := &HTTPExchanger{TokenURL: sts.URL}
	_, err := x.Exchange(context.Background(), ExchangeRequest{SubjectToken: "s", Audience: "a"})
	require.Error(t, err)
}
