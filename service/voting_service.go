// Package service wires the election together: setup and key custody,
// registration, ballot casting and tally.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"threshold-voting/audit"
	"threshold-voting/config"
	"threshold-voting/encryption"
	"threshold-voting/models"
	"threshold-voting/prime"
	"threshold-voting/registry"
	"threshold-voting/shamir"
	"threshold-voting/storage"
)

var (
	ErrNotInitialized     = errors.New("service: election not initialized")
	ErrAlreadyInitialized = errors.New("service: election already initialized")
	ErrLocked             = errors.New("service: election key not available, unlock with shares")
	ErrKeyMismatch        = errors.New("service: reconstructed key does not match the election key")
	ErrMissingInput       = errors.New("service: ballot token and choice required")
	ErrVotingClosed       = errors.New("service: voting session has ended")
	ErrSelfCheck          = errors.New("service: share self-check failed")
)

// maxKeyAttempts bounds the redraws of a key that does not fit below p.
const maxKeyAttempts = 64

type ElectionService struct {
	conf     config.ElectionConfig
	store    storage.Store
	archive  *storage.Archive
	registry *registry.Registry
	cipher   *encryption.BallotCipher
	metrics  *MetricsCollector
	session  *VotingSession
	logger   *slog.Logger
	rand     io.Reader
	now      func() time.Time

	// setupMu serialises Setup calls; mu guards the fields below.
	setupMu sync.Mutex
	mu      sync.RWMutex
	meta    models.Meta
	key     []byte
	log     *audit.Log
}

// Option configures an ElectionService.
type Option func(*ElectionService)

// WithArchive keeps timestamped copies of audit chains and tally results.
func WithArchive(a *storage.Archive) Option {
	return func(s *ElectionService) {
		s.archive = a
	}
}

// WithRand replaces crypto/rand for keys, primes, shares and tokens.
func WithRand(r io.Reader) Option {
	return func(s *ElectionService) {
		s.rand = r
	}
}

// WithClock replaces the clock used for ballot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *ElectionService) {
		s.now = now
	}
}

// NewElectionService loads the election held in store, if any. A persisted
// key is used directly; otherwise the service starts locked.
func NewElectionService(conf config.ElectionConfig, store storage.Store, logger *slog.Logger, opts ...Option) (*ElectionService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &ElectionService{
		conf:    conf,
		store:   store,
		metrics: NewMetricsCollector(),
		session: NewVotingSession(0),
		logger:  logger.With("component", "election"),
		rand:    rand.Reader,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	mode := encryption.ModeCBC
	if conf.Authenticated {
		mode = encryption.ModeGCM
	}
	cipher, err := encryption.NewBallotCipher(encryption.WithMode(mode), encryption.WithRand(s.rand))
	if err != nil {
		return nil, err
	}
	s.cipher = cipher
	s.registry = registry.New(store, logger, registry.WithRand(s.rand), registry.WithClock(s.now))

	if err := s.load(); err != nil {
		return nil, err
	}
	s.metrics.StartVotingPhase()
	return s, nil
}

// Open builds a service from conf: the configured store under DataDir and
// an archive in DataDir/archive.
func Open(conf config.Config, logger *slog.Logger) (*ElectionService, error) {
	store, err := storage.Open(conf.Store, conf.DataDir)
	if err != nil {
		return nil, err
	}

	archive, err := storage.NewArchive(filepath.Join(conf.DataDir, "archive"), conf.ArchiveKeep, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	s, err := NewElectionService(conf.Election, store, logger, WithArchive(archive))
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func (s *ElectionService) load() error {
	var meta models.Meta
	if _, err := s.store.Load(models.MetaRecord, &meta); err != nil {
		return fmt.Errorf("failed to load meta: %w", err)
	}

	var rec audit.Record
	if _, err := s.store.Load(models.AuditRecord, &rec); err != nil {
		return fmt.Errorf("failed to load audit log: %w", err)
	}

	s.meta = meta
	s.log = audit.FromRecord(rec, audit.WithClock(s.now))

	if err := audit.Verify(rec); err != nil {
		// Reported, never repaired.
		s.logger.Error("stored audit chain failed verification", "error", err)
	}

	key, ok, err := meta.Key()
	if err != nil {
		return err
	}
	if ok {
		if meta.KeyFingerprint != "" && encryption.Fingerprint(key) != meta.KeyFingerprint {
			return fmt.Errorf("%w: stored aes_key does not match key_fingerprint", ErrKeyMismatch)
		}
		s.key = key
	}

	s.logger.Info("election loaded",
		"initialized", meta.Initialized(),
		"election_id", meta.ElectionID,
		"entries", s.log.Len(),
		"unlocked", s.key != nil)
	return nil
}

// SetupOptions overrides the configured election parameters. Zero values
// fall back to the configuration.
type SetupOptions struct {
	Bits       int
	Threshold  int
	Total      int
	PersistKey bool
	// Force replaces an existing election. Its audit chain is archived first.
	Force bool
}

type SetupResult struct {
	ElectionID  string         `json:"election_id"`
	Prime       *big.Int       `json:"prime"`
	Threshold   int            `json:"threshold"`
	Total       int            `json:"total"`
	Shares      []shamir.Share `json:"shares"`
	Fingerprint string         `json:"key_fingerprint"`
}

// Setup creates a new election key, splits it into shares and stores the
// election record. Any failure leaves the previous state untouched and no
// ballot can be cast under a key that failed its checks.
func (s *ElectionService) Setup(ctx context.Context, opts SetupOptions) (*SetupResult, error) {
	start := time.Now()
	result, err := s.setup(ctx, opts)
	s.metrics.RecordSetup(time.Since(start), err)
	return result, err
}

func (s *ElectionService) setup(ctx context.Context, opts SetupOptions) (*SetupResult, error) {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	bits, k, n := opts.Bits, opts.Threshold, opts.Total
	if bits == 0 {
		bits = s.conf.PrimeBits
	}
	if k == 0 {
		k = s.conf.Threshold
	}
	if n == 0 {
		n = s.conf.Shares
	}
	persist := opts.PersistKey || s.conf.PersistKey

	if k < 1 || k > n {
		return nil, fmt.Errorf("%w: threshold %d of %d", shamir.ErrInvalidParameters, k, n)
	}

	s.mu.RLock()
	initialized := s.meta.Initialized()
	s.mu.RUnlock()
	if initialized && !opts.Force {
		return nil, ErrAlreadyInitialized
	}

	s.logger.Info("generating election prime", "bits", bits)
	p, err := prime.Generate(ctx, prime.Options{
		Bits:        bits,
		MaxAttempts: s.conf.MaxPrimeAttempts,
		Rand:        s.rand,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate prime: %w", err)
	}

	key, secret, err := s.keyBelow(p)
	if err != nil {
		return nil, err
	}

	shares, err := shamir.Split(secret, k, n, p, s.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to split key: %w", err)
	}

	check, err := shamir.Reconstruct(shares[:k], p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSelfCheck, err)
	}
	if check.Cmp(secret) != 0 {
		return nil, ErrSelfCheck
	}

	meta := models.Meta{
		Prime:          p,
		UsedIDs:        []string{},
		ElectionID:     uuid.NewString(),
		Threshold:      k,
		Total:          n,
		KeyFingerprint: encryption.Fingerprint(key),
		CreatedAt:      audit.Timestamp(s.now()),
	}
	if persist {
		meta.SetKey(key)
		meta.Shares = shares
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resetLocked(meta); err != nil {
		return nil, err
	}
	s.key = key
	s.session.Open(0)
	s.metrics.StartVotingPhase()

	s.logger.Info("election initialized",
		"election_id", meta.ElectionID,
		"threshold", k,
		"shares", n,
		"prime_bits", p.BitLen(),
		"key", encryption.ShortFingerprint(key),
		"persist_key", persist)

	return &SetupResult{
		ElectionID:  meta.ElectionID,
		Prime:       new(big.Int).Set(p),
		Threshold:   k,
		Total:       n,
		Shares:      shares,
		Fingerprint: meta.KeyFingerprint,
	}, nil
}

// keyBelow draws keys until the key read as an integer is a field element.
func (s *ElectionService) keyBelow(p *big.Int) ([]byte, *big.Int, error) {
	for i := 0; i < maxKeyAttempts; i++ {
		key, err := encryption.GenerateKey(s.rand)
		if err != nil {
			return nil, nil, err
		}
		secret := encryption.SecretFromKey(key)
		if secret.Cmp(p) < 0 {
			return key, secret, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no key below the prime after %d draws", shamir.ErrInvalidParameters, maxKeyAttempts)
}

// resetLocked replaces the election. Meta is written last so a crash part
// way leaves the previous election record in place.
func (s *ElectionService) resetLocked(meta models.Meta) error {
	if s.log.Len() > 0 && s.archive != nil {
		if _, err := s.archive.Put(models.AuditRecord, s.log.Snapshot()); err != nil {
			return fmt.Errorf("failed to archive previous audit log: %w", err)
		}
	}

	empty := audit.NewLog(audit.WithClock(s.now))
	if err := s.store.Save(models.AuditRecord, empty.Snapshot()); err != nil {
		return fmt.Errorf("failed to reset audit log: %w", err)
	}
	if err := s.registry.Reset(); err != nil {
		return err
	}
	if err := s.store.Save(models.MetaRecord, meta); err != nil {
		return fmt.Errorf("failed to save meta: %w", err)
	}

	s.meta = meta
	s.log = empty
	return nil
}

// Unlock restores the in-memory key from a quorum of shares after a restart.
func (s *ElectionService) Unlock(sharesInput string) error {
	s.mu.RLock()
	meta := s.meta
	s.mu.RUnlock()

	key, err := s.keyFromShares(meta, sharesInput)
	if err != nil {
		return err
	}

	matches, checked, err := keyMatches(meta, key)
	if err != nil {
		return err
	}
	if checked && !matches {
		return ErrKeyMismatch
	}
	if !checked {
		s.logger.Warn("meta has no key commitment, accepting reconstructed key unchecked")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.ElectionID != meta.ElectionID {
		return fmt.Errorf("%w: election changed during unlock", ErrKeyMismatch)
	}
	s.key = key

	s.logger.Info("election unlocked", "key", encryption.ShortFingerprint(key))
	return nil
}

// keyFromShares parses and reconstructs a quorum into the election key.
func (s *ElectionService) keyFromShares(meta models.Meta, sharesInput string) ([]byte, error) {
	if !meta.Initialized() {
		return nil, ErrNotInitialized
	}

	shares, err := shamir.ParseShares(sharesInput)
	if err != nil {
		return nil, err
	}
	if k := meta.EffectiveThreshold(); len(shares) < k {
		return nil, fmt.Errorf("%w: need %d shares, got %d", shamir.ErrInvalidParameters, k, len(shares))
	}

	secret, err := shamir.Reconstruct(shares, meta.Prime)
	if err != nil {
		return nil, err
	}
	return encryption.KeyFromSecret(secret)
}

// keyMatches compares key against the fingerprint or the persisted key.
// checked is false when meta holds neither.
func keyMatches(meta models.Meta, key []byte) (matches, checked bool, err error) {
	if meta.KeyFingerprint != "" {
		return encryption.Fingerprint(key) == meta.KeyFingerprint, true, nil
	}

	stored, ok, err := meta.Key()
	if err != nil || !ok {
		return false, false, err
	}
	return encryption.Fingerprint(stored) == encryption.Fingerprint(key), true, nil
}

// Register issues a one-time ballot token to voterID.
func (s *ElectionService) Register(voterID string) (string, error) {
	start := time.Now()
	token, err := s.register(voterID)
	s.metrics.RecordRegistration(time.Since(start), err)
	return token, err
}

func (s *ElectionService) register(voterID string) (string, error) {
	if !s.session.IsActive() {
		return "", ErrVotingClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.meta.Initialized() {
		return "", ErrNotInitialized
	}

	return s.registry.Issue(voterID)
}

// CastVote consumes token, encrypts choice and appends it to the audit
// chain. The receipt is returned only after the chain is persisted.
func (s *ElectionService) CastVote(token, choice string) (models.Receipt, error) {
	start := time.Now()
	receipt, err := s.castVote(token, choice)
	s.metrics.RecordVote(time.Since(start), err)
	return receipt, err
}

func (s *ElectionService) castVote(token, choice string) (models.Receipt, error) {
	token = strings.TrimSpace(token)
	choice = strings.TrimSpace(choice)
	if token == "" || choice == "" {
		return models.Receipt{}, ErrMissingInput
	}

	if !s.session.IsActive() {
		return models.Receipt{}, ErrVotingClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.meta.Initialized() {
		return models.Receipt{}, ErrNotInitialized
	}
	if s.key == nil {
		return models.Receipt{}, ErrLocked
	}

	if err := s.registry.Consume(token); err != nil {
		return models.Receipt{}, err
	}

	payload, err := s.cipher.Encrypt(s.key, []byte(choice))
	if err != nil {
		s.logger.Error("token consumed but ballot not encrypted", "error", err)
		return models.Receipt{}, fmt.Errorf("failed to encrypt ballot: %w", err)
	}

	entry, err := s.log.AppendCommit(payload, func(rec audit.Record) error {
		return s.store.Save(models.AuditRecord, rec)
	})
	if err != nil {
		s.logger.Error("token consumed but ballot not stored", "error", err)
		return models.Receipt{}, err
	}

	_, position, _ := s.log.Find(entry.Hash)
	s.logger.Debug("ballot appended", "position", position, "receipt", entry.Hash)
	return models.Receipt{Hash: entry.Hash, Position: position, Time: entry.Time}, nil
}

// Audit returns a snapshot of the audit chain.
func (s *ElectionService) Audit() audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Snapshot()
}

// VerifyAudit checks the chain end to end.
func (s *ElectionService) VerifyAudit() error {
	return audit.Verify(s.Audit())
}

// FindReceipt looks up the entry a voter's receipt refers to.
func (s *ElectionService) FindReceipt(hash string) (audit.Entry, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Find(strings.TrimSpace(hash))
}

// CloseVoting ends the session; further registrations and ballots are refused.
func (s *ElectionService) CloseVoting() {
	s.session.End()
	s.metrics.EndVotingPhase()
	s.logger.Info("voting session closed")
}

func (s *ElectionService) VotingOpen() bool {
	return s.session.IsActive()
}

func (s *ElectionService) Metrics() MetricsResponse {
	return s.metrics.GetMetrics()
}

type Status struct {
	Initialized    bool     `json:"initialized"`
	ElectionID     string   `json:"election_id,omitempty"`
	Threshold      int      `json:"threshold,omitempty"`
	Total          int      `json:"total,omitempty"`
	Prime          *big.Int `json:"prime,omitempty"`
	KeyFingerprint string   `json:"key_fingerprint,omitempty"`
	KeyPersisted   bool     `json:"key_persisted"`
	Unlocked       bool     `json:"unlocked"`
	VotingOpen     bool     `json:"voting_open"`
	Entries        int      `json:"entries"`
	MasterHash     string   `json:"master_hash"`
	Registered     int      `json:"registered"`
	Outstanding    int      `json:"outstanding_tokens"`
}

func (s *ElectionService) Status() (Status, error) {
	outstanding, err := s.registry.Outstanding()
	if err != nil {
		return Status{}, err
	}
	registered, err := s.registry.Registered()
	if err != nil {
		return Status{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Initialized:    s.meta.Initialized(),
		ElectionID:     s.meta.ElectionID,
		Threshold:      s.meta.Threshold,
		Total:          s.meta.Total,
		KeyFingerprint: s.meta.KeyFingerprint,
		KeyPersisted:   s.meta.AESKey != "",
		Unlocked:       s.key != nil,
		VotingOpen:     s.session.IsActive(),
		Entries:        s.log.Len(),
		MasterHash:     s.log.MasterHash(),
		Registered:     registered,
		Outstanding:    outstanding,
	}
	if s.meta.Prime != nil {
		st.Prime = new(big.Int).Set(s.meta.Prime)
	}
	return st, nil
}

// Close releases the underlying store.
func (s *ElectionService) Close() error {
	return s.store.Close()
}
