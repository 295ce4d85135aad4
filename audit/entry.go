// Package audit keeps encrypted ballots in an append-only, hash-chained log.
//
// Each entry commits to its predecessor through prev, and its own hash is the
// hex SHA-256 of Canonical(entry). The canonical form matches Python's
// json.dumps(entry, sort_keys=True) byte for byte so chains written by the
// reference deployment verify here and the other way round.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"threshold-voting/encryption"
)

// Entry is one cast ballot in the chain.
type Entry struct {
	Payload encryption.Payload `json:"payload"`
	Prev    string             `json:"prev"`
	Time    float64            `json:"time"`
	Hash    string             `json:"hash"`
}

// Record is the persisted form of a log.
type Record struct {
	Entries    []Entry `json:"entries"`
	MasterHash string  `json:"master_hash"`
}

// Timestamp converts t to fractional Unix seconds with microsecond precision.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// Canonical returns the hash input for e. The hash field is never part of it.
func Canonical(e Entry) []byte {
	payload := map[string]any{
		"iv": base64.StdEncoding.EncodeToString(e.Payload.IV),
		"ct": base64.StdEncoding.EncodeToString(e.Payload.CT),
	}
	if e.Payload.Alg != "" {
		payload["alg"] = e.Payload.Alg
	}

	var enc canonicalEncoder
	enc.encode(map[string]any{
		"payload": payload,
		"prev":    e.Prev,
		"time":    e.Time,
	})
	return enc.Bytes()
}

// HashEntry returns the hex SHA-256 of Canonical(e).
func HashEntry(e Entry) string {
	sum := sha256.Sum256(Canonical(e))
	return hex.EncodeToString(sum[:])
}

func cloneEntry(e Entry) Entry {
	e.Payload.IV = append([]byte(nil), e.Payload.IV...)
	e.Payload.CT = append([]byte(nil), e.Payload.CT...)
	return e
}

func cloneRecord(rec Record) Record {
	out := Record{
		Entries:    make([]Entry, len(rec.Entries)),
		MasterHash: rec.MasterHash,
	}
	for i, e := range rec.Entries {
		out.Entries[i] = cloneEntry(e)
	}
	return out
}
