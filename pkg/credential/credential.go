package credential

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenURI is the token endpoint assumed when a request omits one.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// DefaultScopes are attached to body credentials that do not name scopes.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/calendar",
}

// Source records which step of the resolution chain produced a Credential.
type Source string

const (
	SourceRequestBody Source = "request_body"
	SourceAuthHeader  Source = "auth_header"
	SourceStored      Source = "stored"
	SourceDevFallback Source = "dev_fallback"
)

// Credential is the normalized OAuth material for one user.
// Values are treated as immutable once resolved; use the With* helpers.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Source       Source    `json:"-"`
}

// UnmarshalJSON accepts the google authorized-user layout, which names the
// access token "token", in addition to our own "access_token".
func (c *Credential) UnmarshalJSON(data []byte) error {
	type plain Credential
	var aux struct {
		plain
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Credential(aux.plain)
	if c.AccessToken == "" {
		c.AccessToken = aux.Token
	}
	return nil
}

// Degraded reports whether the credential carries only an access token, so
// downstream calls cannot refresh it once it expires.
func (c Credential) Degraded() bool {
	return c.RefreshToken == "" && c.ClientID == "" && c.ClientSecret == ""
}

// Normalize fills defaults for token_uri and scopes.
func (c Credential) Normalize() Credential {
	if c.TokenURI == "" {
		c.TokenURI = DefaultTokenURI
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	} else {
		c.Scopes = append([]string(nil), c.Scopes...)
	}
	return c
}

// WithAccessToken returns a copy of c whose access token is replaced by a
// fresher one. Refresh and client material are retained.
func (c Credential) WithAccessToken(token string, source Source) Credential {
	c.AccessToken = token
	c.Expiry = time.Time{}
	c.Source = source
	c.Scopes = append([]string(nil), c.Scopes...)
	return c
}

// Refreshable reports whether the credential has enough material to obtain a
// new access token from its token endpoint.
func (c Credential) Refreshable() bool {
	return c.RefreshToken != "" && c.ClientID != "" && c.TokenURI != ""
}

// Expired reports whether the access token is known to be expired at now.
// A zero expiry means unknown and is treated as valid.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry.Add(-expiryDelta))
}

const expiryDelta = 30 * time.Second

// OAuthConfig returns the oauth2 client configuration for this credential.
func (c Credential) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.TokenURI,
		},
	}
}

// Token converts the credential into an oauth2 token.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// TokenSource returns a token source that refreshes through the credential's
// token endpoint when the access token expires.
func (c Credential) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.OAuthConfig().TokenSource(ctx, c.Token())
}
