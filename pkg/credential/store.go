package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harun/officeagent/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotFound is returned by Store.Load when nothing is stored for a user.
var ErrNotFound = errors.New("credential not found")

// Store persists one Credential per user.
type Store interface {
	Load(ctx context.Context, userID string) (Credential, error)
	Save(ctx context.Context, userID string, cred Credential) error
	Delete(ctx context.Context, userID string) error
}

// KeyFor returns the stable short hash used to name a user's credential file.
func KeyFor(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}

// FileStore keeps credentials as <dir>/<KeyFor(user)>.json with 0600 permissions.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the credential directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".officeagent", "user_credentials")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Credential store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if strings.Contains(userID, "\x00") {
		return fmt.Errorf("user id cannot contain null bytes")
	}
	return nil
}

// Path returns the credential file path for a user.
func (s *FileStore) Path(userID string) string {
	return filepath.Join(s.dir, KeyFor(userID)+".json")
}

func (s *FileStore) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

// withDeadline runs fn and gives up when ctx ends first. fn keeps running
// to completion in the background and still holds the per-key lock.
func withDeadline(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load reads the stored credential for a user.
func (s *FileStore) Load(ctx context.Context, userID string) (Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "officeagent.credential", "credential.load",
		attribute.String("key", KeyFor(userID)))
	defer span.End()

	if err := validateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return Credential{}, err
	}

	var cred Credential
	err := withDeadline(ctx, func() error {
		lock := s.lockFor(KeyFor(userID))
		lock.Lock()
		defer lock.Unlock()

		data, err := os.ReadFile(s.Path(userID))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read credential file: %w", err)
		}
		if err := json.Unmarshal(data, &cred); err != nil {
			return fmt.Errorf("failed to parse credential file: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.FailSpan(span, err)
		}
		return Credential{}, err
	}

	cred.Source = SourceStored
	return cred, nil
}

// Save overwrites the stored credential for a user atomically.
func (s *FileStore) Save(ctx context.Context, userID string, cred Credential) error {
	ctx, span := tracing.StartSpan(ctx, "officeagent.credential", "credential.save",
		attribute.String("key", KeyFor(userID)),
		attribute.String("source", string(cred.Source)))
	defer span.End()

	if err := validateUserID(userID); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	err = withDeadline(ctx, func() error {
		lock := s.lockFor(KeyFor(userID))
		lock.Lock()
		defer lock.Unlock()

		path := s.Path(userID)
		tmp, err := os.CreateTemp(s.dir, "."+KeyFor(userID)+"-*.tmp")
		if err != nil {
			return fmt.Errorf("failed to create temp credential file: %w", err)
		}
		tmpPath := tmp.Name()

		if err := tmp.Chmod(0600); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set credential file permissions: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write credential file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to close credential file: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to replace credential file: %w", err)
		}
		return nil
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	return nil
}

// Delete removes the stored credential for a user. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	return withDeadline(ctx, func() error {
		key := KeyFor(userID)
		lock := s.lockFor(key)
		lock.Lock()
		defer lock.Unlock()

		if err := os.Remove(s.Path(userID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete credential file: %w", err)
		}

		s.locksMu.Lock()
		delete(s.writeLocks, key)
		s.locksMu.Unlock()
		return nil
	})
}
