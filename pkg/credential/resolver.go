package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const bearerPrefix = "Bearer "

// Request is the authentication material carried by one chat request.
type Request struct {
	UserID        string
	AccessToken   string
	RefreshToken  string
	TokenURI      string
	ClientID      string
	ClientSecret  string
	Authorization string
}

// Config configures a Resolver.
type Config struct {
	Store        Store
	DevFile      string
	Production   bool
	StoreTimeout time.Duration
	// Logger defaults to the global logger tagged with component=credential.
	Logger *zerolog.Logger
}

// Resolver turns request authentication material into a Credential.
type Resolver struct {
	store        Store
	devFile      string
	production   bool
	storeTimeout time.Duration
	logger       zerolog.Logger

	devOnce sync.Once
	devCred Credential
	devErr  error
}

// NewResolver creates a resolver backed by cfg.Store.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	logger := log.Logger.With().Str("component", "credential").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Resolver{
		store:        cfg.Store,
		devFile:      cfg.DevFile,
		production:   cfg.Production,
		storeTimeout: cfg.StoreTimeout,
		logger:       logger,
	}, nil
}

// Resolve applies the priority chain: request body, bearer header merged
// with the stored credential, then the development fallback.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Credential, error) {
	ctx = tracing.WithUserID(ctx, req.UserID)
	ctx = tracing.WithStage(ctx, "credential")
	ctx, span := tracing.StartSpan(ctx, "officeagent.credential", "credential.resolve",
		attribute.String("user_id", req.UserID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := validateUserID(req.UserID); err != nil {
		tracing.FailSpan(span, err)
		return Credential{}, err
	}

	cred, err := r.resolve(ctx, req, logger)
	if err != nil {
		tracing.FailSpan(span, err)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			logger.Warn().Err(err).Msg("Credential resolution rejected")
			observability.RecordCredentialAudit(ctx, req.UserID, "resolve", "failure", map[string]interface{}{"reason": authErr.Reason})
		} else {
			logger.Error().Err(err).Msg("Credential resolution failed")
		}
		return Credential{}, err
	}

	span.SetAttributes(attribute.String("source", string(cred.Source)))
	observability.RecordCredentialResolve(string(cred.Source))
	return cred, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request, logger zerolog.Logger) (Credential, error) {
	if req.AccessToken != "" {
		cred := Credential{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			TokenURI:     req.TokenURI,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Source:       SourceRequestBody,
		}.Normalize()

		if err := r.save(ctx, req.UserID, cred); err != nil {
			return Credential{}, err
		}
		logger.Info().Str("source", string(cred.Source)).Msg("Using credentials from request body")
		return cred, nil
	}

	if token, ok := bearerToken(req.Authorization); ok {
		stored, err := r.load(ctx, req.UserID)
		switch {
		case err == nil:
			cred := stored.WithAccessToken(token, SourceAuthHeader)
			if err := r.save(ctx, req.UserID, cred); err != nil {
				return Credential{}, err
			}
			logger.Info().Str("source", string(cred.Source)).Msg("Using bearer token merged with stored credentials")
			return cred, nil
		case errors.Is(err, ErrNotFound):
			logger.Warn().Msg("Bearer token without stored credentials; continuing with access token only")
			return Credential{AccessToken: token, Source: SourceAuthHeader}, nil
		default:
			return Credential{}, err
		}
	}

	if r.production {
		return Credential{}, &AuthError{
			UserID: req.UserID,
			Reason: "missing OAuth credentials: provide access_token or an Authorization bearer token",
		}
	}

	dev, err := r.devCredential()
	if err != nil {
		return Credential{}, &AuthError{UserID: req.UserID, Reason: err.Error()}
	}
	logger.Info().Str("source", string(dev.Source)).Msg("Development mode: using local credential")
	return dev, nil
}

// Fresh returns cred unchanged unless its access token has expired and it can
// be refreshed, in which case the refreshed credential is persisted and returned.
func (r *Resolver) Fresh(ctx context.Context, userID string, cred Credential) (Credential, error) {
	if !cred.Expired(time.Now()) || !cred.Refreshable() {
		return cred, nil
	}

	ctx, span := tracing.StartSpan(ctx, "officeagent.credential", "credential.refresh",
		attribute.String("user_id", userID))
	defer span.End()

	token, err := cred.TokenSource(ctx).Token()
	if err != nil {
		tracing.FailSpan(span, err)
		return Credential{}, &AuthError{UserID: userID, Reason: fmt.Sprintf("token refresh failed: %v", err)}
	}

	fresh := cred.WithAccessToken(token.AccessToken, cred.Source)
	fresh.Expiry = token.Expiry
	if token.RefreshToken != "" {
		fresh.RefreshToken = token.RefreshToken
	}

	if cred.Source != SourceDevFallback {
		if err := r.save(ctx, userID, fresh); err != nil {
			tracing.FailSpan(span, err)
			return Credential{}, err
		}
	}
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("user_id", userID).Msg("Access token refreshed")
	return fresh, nil
}

func (r *Resolver) load(ctx context.Context, userID string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	cred, err := r.store.Load(ctx, userID)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return cred, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Credential{}, fmt.Errorf("failed to load stored credential: %w", err)
	default:
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Err(err).Msg("Stored credential unreadable; treating as absent")
		return Credential{}, ErrNotFound
	}
}

// save persists cred. Deadline errors fail resolution; other storage errors
// are logged since the credential is still usable for this request.
func (r *Resolver) save(ctx context.Context, userID string, cred Credential) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	err := r.store.Save(sctx, userID, cred)
	if err == nil {
		observability.RecordCredentialAudit(ctx, userID, "persisted", "success", map[string]interface{}{"source": string(cred.Source)})
		return nil
	}

	observability.RecordCredentialAudit(ctx, userID, "persisted", "failure", map[string]interface{}{"source": string(cred.Source)})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Warn().Err(err).Msg("Failed to persist credential")
	return nil
}

// devCredential loads the development credential file once.
func (r *Resolver) devCredential() (Credential, error) {
	r.devOnce.Do(func() {
		if r.devFile == "" {
			r.devErr = fmt.Errorf("no development credential configured")
			return
		}
		data, err := os.ReadFile(r.devFile)
		if err != nil {
			r.devErr = fmt.Errorf("no development credential found at %s", r.devFile)
			return
		}
		var cred Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			r.devErr = fmt.Errorf("invalid development credential: %w", err)
			return
		}
		if cred.AccessToken == "" {
			r.devErr = fmt.Errorf("development credential has no access token")
			return
		}
		cred.Source = SourceDevFallback
		r.devCred = cred.Normalize()
	})
	return r.devCred, r.devErr
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" value.
// Any other scheme is treated as absent.
func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	return token, token != ""
}
