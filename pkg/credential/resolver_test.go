package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	data    map[string]Credential
	saves   int
	loadErr error
	saveErr error
	block   chan struct{}
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]Credential)}
}

func (m *memStore) Load(ctx context.Context, userID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Credential{}, m.loadErr
	}
	cred, ok := m.data[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	cred.Source = SourceStored
	return cred, nil
}

func (m *memStore) Save(ctx context.Context, userID string, cred Credential) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.data[userID] = cred
	return nil
}

func (m *memStore) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID)
	return nil
}

func (m *memStore) get(userID string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.data[userID]
	return cred, ok
}

func newTestResolver(t *testing.T, store Store, cfg Config) *Resolver {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Store = store
	cfg.Logger = &logger
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func writeDevFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestNewResolverRequiresStore(t *testing.T) {
	_, err := NewResolver(Config{})
	assert.Error(t, err)
}

func TestResolveRequestBody(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(t, store, Config{})

	cred, err := r.Resolve(context.Background(), Request{
		UserID:        "alice",
		AccessToken:   "body-token",
		RefreshToken:  "body-refresh",
		ClientID:      "cid",
		ClientSecret:  "secret",
		Authorization: "Bearer header-token",
	})

	require.NoError(t, err)
	assert.Equal(t, "body-token", cred.AccessToken)
	assert.Equal(t, SourceRequestBody, cred.Source)
	assert.Equal(t, DefaultTokenURI, cred.TokenURI)

	saved, ok := store.get("alice")
	require.True(t, ok)
	assert.Equal(t, "body-token", saved.AccessToken)
	assert.Equal(t, "body-refresh", saved.RefreshToken)
}

func TestResolveBearerMergesStored(t *testing.T) {
	store := newMemStore()
	store.data["alice"] = Credential{
		AccessToken:  "stale",
		RefreshToken: "r",
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURI:     DefaultTokenURI,
	}
	r := newTestResolver(t, store, Config{})

	cred, err := r.Resolve(context.Background(), Request{UserID: "alice", Authorization: "Bearer fresh"})

	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "r", cred.RefreshToken)
	assert.Equal(t, "cid", cred.ClientID)
	assert.Equal(t, SourceAuthHeader, cred.Source)
	assert.False(t, cred.Degraded())

	saved, _ := store.get("alice")
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "r", saved.RefreshToken)
}

func TestResolveBearerWithoutStoredIsDegraded(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(t, store, Config{Production: true})

	cred, err := r.Resolve(context.Background(), Request{UserID: "alice", Authorization: "Bearer only"})

	require.NoError(t, err)
	assert.Equal(t, "only", cred.AccessToken)
	assert.True(t, cred.Degraded())
	assert.Equal(t, 0, store.saves, "degraded credentials are not persisted")
}

func TestResolveIgnoresNonBearerHeader(t *testing.T) {
	r := newTestResolver(t, newMemStore(), Config{Production: true})

	_, err := r.Resolve(context.Background(), Request{UserID: "alice", Authorization: "Basic dXNlcjpwYXNz"})

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "alice", authErr.UserID)
}

func TestResolveStoredRequiresRequestToken(t *testing.T) {
	store := newMemStore()
	store.data["alice"] = Credential{AccessToken: "stored", RefreshToken: "r", ClientID: "c"}
	r := newTestResolver(t, store, Config{Production: true})

	_, err := r.Resolve(context.Background(), Request{UserID: "alice"})

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestResolveProductionWithoutCredentials(t *testing.T) {
	devFile := writeDevFile(t, `{"token":"dev"}`)
	r := newTestResolver(t, newMemStore(), Config{Production: true, DevFile: devFile})

	_, err := r.Resolve(context.Background(), Request{UserID: "alice"})

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Error(), "alice")
}

func TestResolveDevFallback(t *testing.T) {
	store := newMemStore()
	devFile := writeDevFile(t, `{"token":"dev-token","refresh_token":"dev-refresh","client_id":"cid"}`)
	r := newTestResolver(t, store, Config{DevFile: devFile})

	cred, err := r.Resolve(context.Background(), Request{UserID: "alice"})

	require.NoError(t, err)
	assert.Equal(t, "dev-token", cred.AccessToken)
	assert.Equal(t, SourceDevFallback, cred.Source)
	assert.Equal(t, 0, store.saves, "dev fallback is never persisted")

	// the file is read once per process
	require.NoError(t, os.Remove(devFile))
	again, err := r.Resolve(context.Background(), Request{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "dev-token", again.AccessToken)
}

func TestResolveDevFallbackMissingFile(t *testing.T) {
	r := newTestResolver(t, newMemStore(), Config{DevFile: filepath.Join(t.TempDir(), "absent.json")})

	_, err := r.Resolve(context.Background(), Request{UserID: "alice"})

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestResolveEmptyUserID(t *testing.T) {
	r := newTestResolver(t, newMemStore(), Config{})

	_, err := r.Resolve(context.Background(), Request{AccessToken: "a"})
	assert.Error(t, err)
}

func TestResolveSaveFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	r := newTestResolver(t, store, Config{})

	cred, err := r.Resolve(context.Background(), Request{UserID: "alice", AccessToken: "a"})

	require.NoError(t, err)
	assert.Equal(t, "a", cred.AccessToken)
}

func TestResolveSaveDeadlineFails(t *testing.T) {
	store := newMemStore()
	store.block = make(chan struct{})
	defer close(store.block)
	r := newTestResolver(t, store, Config{StoreTimeout: 20 * time.Millisecond})

	_, err := r.Resolve(context.Background(), Request{UserID: "alice", AccessToken: "a"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveUnreadableStoredTreatedAsAbsent(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("failed to parse credential file")
	r := newTestResolver(t, store, Config{Production: true})

	cred, err := r.Resolve(context.Background(), Request{UserID: "alice", Authorization: "Bearer t"})

	require.NoError(t, err)
	assert.True(t, cred.Degraded())
}

func TestFreshRefreshesExpiredToken(t *testing.T) {
	var calls int
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "refreshed",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	store := newMemStore()
	r := newTestResolver(t, store, Config{})

	cred := Credential{
		AccessToken:  "expired",
		RefreshToken: "r",
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURI:     tokenServer.URL,
		Expiry:       time.Now().Add(-time.Hour),
		Source:       SourceAuthHeader,
	}

	fresh, err := r.Fresh(context.Background(), "alice", cred)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "refreshed", fresh.AccessToken)
	assert.Equal(t, "r", fresh.RefreshToken)
	assert.True(t, fresh.Expiry.After(time.Now()))

	saved, ok := store.get("alice")
	require.True(t, ok)
	assert.Equal(t, "refreshed", saved.AccessToken)
}

func TestFreshLeavesValidTokenAlone(t *testing.T) {
	r := newTestResolver(t, newMemStore(), Config{})
	cred := Credential{AccessToken: "valid", RefreshToken: "r", ClientID: "c", TokenURI: "http://unused.invalid"}

	fresh, err := r.Fresh(context.Background(), "alice", cred)

	require.NoError(t, err)
	assert.Equal(t, cred, fresh)
}

func TestFreshRefreshFailure(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	r := newTestResolver(t, newMemStore(), Config{})
	cred := Credential{
		AccessToken:  "expired",
		RefreshToken: "r",
		ClientID:     "cid",
		TokenURI:     tokenServer.URL,
		Expiry:       time.Now().Add(-time.Hour),
	}

	_, err := r.Fresh(context.Background(), "alice", cred)

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}
