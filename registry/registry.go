// Package registry issues and consumes one-time ballot tokens.
//
// Raw tokens are handed to voters and never stored. The regmap record keys
// each outstanding registration by the token's fingerprint, and the voter id
// is claimed in the meta record's used_ids before a token is issued.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"threshold-voting/encryption"
	"threshold-voting/models"
	"threshold-voting/storage"
)

// TokenBytes is the entropy of an issued token.
const TokenBytes = 16

var (
	ErrEmptyVoterID      = errors.New("registry: voter id is required")
	ErrAlreadyRegistered = errors.New("registry: voter already registered")
	ErrInvalidToken      = errors.New("registry: invalid or used ballot token")
)

// Registry tracks issued tokens in a storage.Store.
type Registry struct {
	store  storage.Store
	logger *slog.Logger
	rand   io.Reader
	now    func() time.Time
	mu     sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand overrides the token source.
func WithRand(r io.Reader) Option {
	return func(reg *Registry) {
		reg.rand = r
	}
}

// WithClock overrides the issue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		reg.now = now
	}
}

func New(store storage.Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
		rand:   rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// TokenKey is the regmap key under which token is stored.
func TokenKey(token string) string {
	return encryption.Fingerprint([]byte(token))
}

// Issue registers voterID and returns a fresh ballot token for it.
func (r *Registry) Issue(voterID string) (string, error) {
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		return "", ErrEmptyVoterID
	}

	raw := make([]byte, TokenBytes)
	if _, err := io.ReadFull(r.rand, raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	var meta models.Meta
	err := r.store.Update(models.MetaRecord, &meta, func(bool) error {
		if meta.HasVoter(voterID) {
			return ErrAlreadyRegistered
		}
		meta.UsedIDs = append(meta.UsedIDs, voterID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to claim voter id: %w", err)
	}

	regmap := make(models.RegMap)
	err = r.store.Update(models.RegMapRecord, &regmap, func(bool) error {
		if regmap == nil {
			regmap = make(models.RegMap)
		}
		regmap[TokenKey(token)] = models.Registration{
			VoterID:  voterID,
			IssuedAt: float64(r.now().UnixMicro()) / 1e6,
		}
		return nil
	})
	if err != nil {
		// The voter id stays claimed so a failed write can never yield two tokens.
		r.logger.Error("voter id claimed but token not stored", "error", err)
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	r.logger.Info("issued ballot token", "token", encryption.ShortFingerprint([]byte(token)))
	return token, nil
}

// Consume invalidates token. It succeeds at most once per token and only
// after the removal is persisted.
func (r *Registry) Consume(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := TokenKey(token)
	regmap := make(models.RegMap)
	err := r.store.Update(models.RegMapRecord, &regmap, func(bool) error {
		if _, ok := regmap[key]; !ok {
			return ErrInvalidToken
		}
		delete(regmap, key)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return err
		}
		return fmt.Errorf("failed to consume token: %w", err)
	}
	return nil
}

// Outstanding counts tokens issued but not yet used.
func (r *Registry) Outstanding() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regmap := make(models.RegMap)
	if _, err := r.store.Load(models.RegMapRecord, &regmap); err != nil {
		return 0, fmt.Errorf("failed to load registrations: %w", err)
	}
	return len(regmap), nil
}

// Registered counts voter ids that have received a token.
func (r *Registry) Registered() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var meta models.Meta
	if _, err := r.store.Load(models.MetaRecord, &meta); err != nil {
		return 0, fmt.Errorf("failed to load meta: %w", err)
	}
	return len(meta.UsedIDs), nil
}

// Reset drops every outstanding token, used when a new election is set up.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Save(models.RegMapRecord, models.RegMap{}); err != nil {
		return fmt.Errorf("failed to reset registrations: %w", err)
	}
	return nil
}
