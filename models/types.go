package models

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"slices"

	"threshold-voting/shamir"
)

// Record names used with storage.Store.
const (
	MetaRecord   = "meta"
	AuditRecord  = "audit"
	RegMapRecord = "regmap"
	TallyRecord  = "tally"
)

// Meta describes one election. The first four fields keep the layout of the
// reference meta.json; AESKey and Shares are only written when the key is
// persisted on purpose.
type Meta struct {
	AESKey  string         `json:"aes_key,omitempty"`
	Prime   *big.Int       `json:"prime"`
	Shares  []shamir.Share `json:"shamir_shares,omitempty"`
	UsedIDs []string       `json:"used_ids"`

	ElectionID     string  `json:"election_id,omitempty"`
	Threshold      int     `json:"threshold,omitempty"`
	Total          int     `json:"total,omitempty"`
	KeyFingerprint string  `json:"key_fingerprint,omitempty"`
	CreatedAt      float64 `json:"created_at,omitempty"`
}

// Initialized reports whether setup has produced a prime for this election.
func (m *Meta) Initialized() bool {
	return m.Prime != nil && m.Prime.Sign() > 0
}

// HasVoter reports whether voterID already received a token.
func (m *Meta) HasVoter(voterID string) bool {
	return slices.Contains(m.UsedIDs, voterID)
}

// Key decodes the persisted key, if any.
func (m *Meta) Key() ([]byte, bool, error) {
	if m.AESKey == "" {
		return nil, false, nil
	}
	key, err := base64.StdEncoding.DecodeString(m.AESKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode aes_key: %w", err)
	}
	return key, true, nil
}

// SetKey stores key in the reference base64 form.
func (m *Meta) SetKey(key []byte) {
	m.AESKey = base64.StdEncoding.EncodeToString(key)
}

// EffectiveThreshold falls back to the reference 3-of-5 scheme for meta
// records that predate the threshold field.
func (m *Meta) EffectiveThreshold() int {
	if m.Threshold > 0 {
		return m.Threshold
	}
	return 3
}
