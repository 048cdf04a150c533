package credential

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialUnmarshalAcceptsTokenAlias(t *testing.T) {
	var cred Credential
	err := json.Unmarshal([]byte(`{"token":"ya29.alias","refresh_token":"1//r","client_id":"cid"}`), &cred)

	require.NoError(t, err)
	assert.Equal(t, "ya29.alias", cred.AccessToken)
	assert.Equal(t, "1//r", cred.RefreshToken)
	assert.Equal(t, "cid", cred.ClientID)
}

func TestCredentialUnmarshalPrefersAccessToken(t *testing.T) {
	var cred Credential
	err := json.Unmarshal([]byte(`{"token":"old","access_token":"new"}`), &cred)

	require.NoError(t, err)
	assert.Equal(t, "new", cred.AccessToken)
}

func TestCredentialNormalize(t *testing.T) {
	cred := Credential{AccessToken: "a"}.Normalize()
	assert.Equal(t, DefaultTokenURI, cred.TokenURI)
	assert.Equal(t, DefaultScopes, cred.Scopes)

	custom := Credential{AccessToken: "a", TokenURI: "https://example.test/token", Scopes: []string{"s"}}.Normalize()
	assert.Equal(t, "https://example.test/token", custom.TokenURI)
	assert.Equal(t, []string{"s"}, custom.Scopes)
}

func TestCredentialDegraded(t *testing.T) {
	assert.True(t, Credential{AccessToken: "a"}.Degraded())
	assert.False(t, Credential{AccessToken: "a", RefreshToken: "r"}.Degraded())
	assert.False(t, Credential{AccessToken: "a", ClientID: "c"}.Degraded())
}

func TestCredentialWithAccessTokenKeepsRefreshMaterial(t *testing.T) {
	stored := Credential{
		AccessToken:  "old",
		RefreshToken: "r",
		ClientID:     "c",
		ClientSecret: "s",
		TokenURI:     DefaultTokenURI,
		Scopes:       []string{"x"},
		Expiry:       time.Now().Add(-time.Hour),
		Source:       SourceStored,
	}

	merged := stored.WithAccessToken("new", SourceAuthHeader)

	assert.Equal(t, "new", merged.AccessToken)
	assert.Equal(t, "r", merged.RefreshToken)
	assert.Equal(t, "c", merged.ClientID)
	assert.Equal(t, "s", merged.ClientSecret)
	assert.True(t, merged.Expiry.IsZero())
	assert.Equal(t, SourceAuthHeader, merged.Source)
	assert.Equal(t, "old", stored.AccessToken)

	merged.Scopes[0] = "mutated"
	assert.Equal(t, "x", stored.Scopes[0])
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, Credential{}.Expired(now))
	assert.False(t, Credential{Expiry: now.Add(time.Hour)}.Expired(now))
	assert.True(t, Credential{Expiry: now.Add(10 * time.Second)}.Expired(now))
	assert.True(t, Credential{Expiry: now.Add(-time.Minute)}.Expired(now))
}

func TestCredentialRefreshable(t *testing.T) {
	assert.True(t, Credential{RefreshToken: "r", ClientID: "c", TokenURI: DefaultTokenURI}.Refreshable())
	assert.False(t, Credential{RefreshToken: "r", TokenURI: DefaultTokenURI}.Refreshable())
	assert.False(t, Credential{ClientID: "c", TokenURI: DefaultTokenURI}.Refreshable())
}

func TestCredentialSourceNotSerialized(t *testing.T) {
	data, err := json.Marshal(Credential{AccessToken: "a", Source: SourceDevFallback})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dev_fallback")
}
