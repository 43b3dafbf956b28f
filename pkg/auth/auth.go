// Package auth implements the authorization core: an API-key store
// materialised from process configuration, constant-time verification, and
// level comparison. Transport concerns (headers, bearer parsing niceties)
// stay in the shell.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/metacogna/sentinel/pkg/models"
)

// EnvPrefix is the configuration prefix keys are loaded under:
// SENTINEL_API_KEY_<ID>=<KEY>:<LEVEL>.
const EnvPrefix = "SENTINEL_API_KEY_"

// AnonymousID is the principal id granted in open mode.
const AnonymousID = "anonymous"

// Principal is a successfully authenticated caller.
type Principal struct {
	ID    string
	Level models.AuthLevel
}

type entry struct {
	id    string
	hash  [32]byte
	level models.AuthLevel
}

// Store verifies presented API keys. Only SHA-256 digests are retained;
// plaintext keys never outlive LoadFromEnv.
type Store struct {
	mu       sync.RWMutex
	byDigest map[[32]byte]entry
	open     bool
}

// NewStore builds a store from explicit assignments (tests, embedding).
func NewStore(open bool) *Store {
	return &Store{byDigest: make(map[[32]byte]entry), open: open}
}

// Add registers one key. The id must satisfy the id charset; the key must
// satisfy the length bounds.
func (s *Store) Add(id string, key models.APIKey, level models.AuthLevel) error {
	if !models.ValidAPIKeyID(id) {
		return models.NewDomainViolationError(fmt.Sprintf("invalid api key id %q", id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDigest[key.Hash()] = entry{id: id, hash: key.Hash(), level: level}
	return nil
}

// LoadFromEnv materialises the store from environ ("KEY=VALUE" pairs).
// Invalid entries are rejected with a precise reason. With zero valid keys
// and open mode off, startup must abort.
func LoadFromEnv(environ []string, open bool) (*Store, error) {
	s := NewStore(open)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		id := strings.TrimPrefix(name, EnvPrefix)
		if err := s.addAssignment(id, value); err != nil {
			return nil, fmt.Errorf("api key %s%s: %w", EnvPrefix, id, err)
		}
	}
	if s.Count() == 0 && !open {
		return nil, models.NewDomainViolationError("no valid api keys configured and open mode is disabled")
	}
	if s.Count() == 0 {
		slog.Warn("No api keys configured, running in open mode")
	}
	return s, nil
}

// addAssignment parses "<KEY>:<LEVEL>". The level is everything after the
// last colon, so keys containing colons stay legal.
func (s *Store) addAssignment(id, value string) error {
	if !models.ValidAPIKeyID(id) {
		return models.NewDomainViolationError("id must be alphanumeric plus '-' and '_', at most 255 chars")
	}
	sep := strings.LastIndex(value, ":")
	if sep < 0 {
		return models.NewDomainViolationError("assignment must be <key>:<level>")
	}
	rawKey, rawLevel := value[:sep], value[sep+1:]

	key, err := models.NewAPIKey([]byte(rawKey))
	if err != nil {
		return models.NewDomainViolationError(
			fmt.Sprintf("key must be %d..%d bytes", models.MinAPIKeyLen, models.MaxAPIKeyLen))
	}
	level, err := models.ParseAuthLevel(rawLevel)
	if err != nil {
		return models.NewDomainViolationError(fmt.Sprintf("level must be read, write, or admin, got %q", rawLevel))
	}
	return s.Add(id, key, level)
}

// Reload swaps in a freshly parsed key set. Called only on an explicit
// reload signal; a parse failure keeps the old set.
func (s *Store) Reload(environ []string) error {
	fresh, err := LoadFromEnv(environ, s.open)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.byDigest = fresh.byDigest
	s.mu.Unlock()
	slog.Info("Api key store reloaded", "keys", s.Count())
	return nil
}

// Count is the number of registered keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDigest)
}

// Authenticate verifies a presented bearer token. Malformed tokens fail
// with InvalidApiKeyFormat; unknown ones with AuthenticationFailed. Neither
// error ever carries the token.
func (s *Store) Authenticate(token string) (Principal, error) {
	key, err := models.NewAPIKey([]byte(token))
	if err != nil {
		return Principal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byDigest) == 0 && s.open {
		return Principal{ID: AnonymousID, Level: models.LevelAdmin}, nil
	}

	digest := key.Hash()
	e, ok := s.byDigest[digest]
	if !ok {
		return Principal{}, models.NewAuthenticationError()
	}
	// The digest already matched; the constant-time compare keeps the final
	// accept independent of lookup internals.
	if subtle.ConstantTimeCompare(digest[:], e.hash[:]) != 1 {
		return Principal{}, models.NewAuthenticationError()
	}
	return Principal{ID: e.id, Level: e.level}, nil
}

// Authorize checks the principal against a required level.
func Authorize(p Principal, required models.AuthLevel) error {
	if !p.Level.Satisfies(required) {
		return models.NewAuthorizationError(required, p.Level)
	}
	return nil
}

// HashToken is a convenience for log-safe key references: an 8-hex-digit
// digest prefix, never the key itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:4])
}
