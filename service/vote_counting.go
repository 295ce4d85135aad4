package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"threshold-voting/audit"
	"threshold-voting/encryption"
	"threshold-voting/models"
)

// TallyReport is the outcome of one tally attempt.
type TallyReport struct {
	TallyID    string         `json:"tally_id"`
	ElectionID string         `json:"election_id,omitempty"`
	Results    audit.Tally    `json:"results"`
	Total      int            `json:"total"`
	Errors     int            `json:"errors"`
	KeyMatches bool           `json:"key_matches"`
	KeyChecked bool           `json:"key_checked"`
	ChainValid bool           `json:"chain_valid"`
	ChainError string         `json:"chain_error,omitempty"`
	MasterHash string         `json:"master_hash"`
	Choices    []string       `json:"choices"`
}

// Tally reconstructs the election key from a quorum of shares and decrypts
// every ballot in a snapshot of the audit chain. A broken chain is reported
// in the result, and ballots that fail to decrypt land in the error bucket.
func (s *ElectionService) Tally(ctx context.Context, sharesInput string) (*TallyReport, error) {
	start := time.Now()
	report, err := s.tally(ctx, sharesInput)
	s.metrics.RecordCounting(time.Since(start), err)
	return report, err
}

func (s *ElectionService) tally(ctx context.Context, sharesInput string) (*TallyReport, error) {
	s.mu.RLock()
	meta := s.meta
	snapshot := s.log.Snapshot()
	s.mu.RUnlock()

	key, err := s.keyFromShares(meta, sharesInput)
	if err != nil {
		return nil, err
	}

	matches, checked, err := keyMatches(meta, key)
	if err != nil {
		return nil, err
	}
	if checked && !matches {
		s.logger.Warn("reconstructed key does not match the election key, decryption will fail",
			"reconstructed", encryption.ShortFingerprint(key))
	}

	report := &TallyReport{
		TallyID:    uuid.NewString(),
		ElectionID: meta.ElectionID,
		KeyMatches: matches,
		KeyChecked: checked,
		ChainValid: true,
		MasterHash: snapshot.MasterHash,
	}
	if err := audit.Verify(snapshot); err != nil {
		report.ChainValid = false
		report.ChainError = err.Error()
		s.logger.Error("audit chain failed verification during tally", "error", err)
	}

	var opts []audit.TallyOption
	if s.conf.TallyWorkers > 0 {
		opts = append(opts, audit.WithWorkers(s.conf.TallyWorkers))
	}
	results, err := audit.DecryptAll(ctx, snapshot, s.cipher, key, opts...)
	if err != nil {
		return nil, err
	}

	report.Results = results
	report.Total = results.Total()
	report.Errors = results.Errors()
	report.Choices = results.Choices()

	s.archiveTally(meta, snapshot, report)

	s.logger.Info("tally complete",
		"tally_id", report.TallyID,
		"total", report.Total,
		"errors", report.Errors,
		"key_matches", report.KeyMatches,
		"chain_valid", report.ChainValid)
	return report, nil
}

func (s *ElectionService) archiveTally(meta models.Meta, snapshot audit.Record, report *TallyReport) {
	if s.archive == nil {
		return
	}

	summary := models.TallySummary{
		TallyID:    report.TallyID,
		ElectionID: report.ElectionID,
		Results:    report.Results,
		Total:      report.Total,
		Errors:     report.Errors,
		MasterHash: report.MasterHash,
		ChainValid: report.ChainValid,
		Prime:      meta.Prime,
		Time:       audit.Timestamp(s.now()),
	}
	if _, err := s.archive.Put(models.TallyRecord, summary); err != nil {
		s.logger.Warn("failed to archive tally", "error", err)
	}
	if _, err := s.archive.Put(models.AuditRecord, snapshot); err != nil {
		s.logger.Warn("failed to archive audit snapshot", "error", err)
	}
}
