// Package delegkit obtains and caches downstream tokens for delegated
// calls. Token exchange is the one sanctioned synchronous external call
// on the request path, reserved for session establishment, audience
// change, or a policy-mandated boundary crossing; steady-state traffic is
// served from the cache with proactive background refresh.
package delegkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ExchangeRequest identifies one downstream token need. The four key
// fields are the cache key.
type ExchangeRequest struct {
	Subject    string
	ActorChain []string
	Audience   string
	Scope      string
	// SubjectToken is the inbound access token forwarded as the exchange
	// subject per RFC 8693.
	SubjectToken string
}

func (r ExchangeRequest) key() string {
	return r.Subject + "\x1f" + strings.Join(r.ActorChain, ">") + "\x1f" + r.Audience + "\x1f" + r.Scope
}

// Exchanger is the external token-exchange (STS) capability.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error)
}

// HTTPExchanger performs the RFC 8693 token-exchange grant against an STS
// token endpoint.
type HTTPExchanger struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

const (
	grantTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccess    = "urn:ietf:params:oauth:token-type:access_token"
)

func (e *HTTPExchanger) Exchange(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":         {grantTokenExchange},
		"subject_token":      {req.SubjectToken},
		"subject_token_type": {tokenTypeAccess},
		"audience":           {req.Audience},
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if e.ClientID != "" {
		httpReq.SetBasicAuth(e.ClientID, e.ClientSecret)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange: sts returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken     string `json:"access_token"`
		IssuedTokenType string `json:"issued_token_type"`
		TokenType       string `json:"token_type"`
		ExpiresIn       int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("token exchange response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("token exchange: empty access_token")
	}
	tok := &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
	}
	if body.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return tok, nil
}
