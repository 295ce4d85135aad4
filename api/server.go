// Package api exposes the election service over JSON HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"threshold-voting/audit"
	"threshold-voting/encryption"
	"threshold-voting/models"
	"threshold-voting/registry"
	"threshold-voting/service"
	"threshold-voting/shamir"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	svc    *service.ElectionService
	logger *slog.Logger
	mux    *http.ServeMux
}

type SetupRequest struct {
	Bits       int  `json:"bits"`
	Threshold  int  `json:"threshold"`
	Shares     int  `json:"shares"`
	PersistKey bool `json:"persist_key"`
	Force      bool `json:"force"`
}

type SetupResponse struct {
	*service.SetupResult
	// ShareTokens are the "x:y" strings handed to shareholders.
	ShareTokens []string `json:"share_tokens"`
}

type SharesRequest struct {
	Shares string `json:"shares"`
}

type RegisterVoterRequest struct {
	VoterID string `json:"voter_id"`
}

type RegisterVoterResponse struct {
	VoterID string `json:"voter_id"`
	Token   string `json:"token"`
}

type CastVoteRequest struct {
	Token  string `json:"token"`
	Choice string `json:"choice"`
}

type CastVoteResponse struct {
	Success bool `json:"success"`
	models.Receipt
}

type AuditResponse struct {
	audit.Record
	Length  int  `json:"length"`
	IsValid bool `json:"is_valid"`
}

type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Index  *int   `json:"index,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type EntryVerification struct {
	CalculatedHash string `json:"calculated_hash"`
	StoredHash     string `json:"stored_hash"`
	HashMatch      bool   `json:"hash_match"`
}

type EntryDetailsResponse struct {
	Entry        audit.Entry       `json:"entry"`
	Position     int               `json:"position"`
	Verification EntryVerification `json:"verification"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(svc *service.ElectionService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		svc:    svc,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/setup", s.handleSetup)
	s.mux.HandleFunc("/api/unlock", s.handleUnlock)
	s.mux.HandleFunc("/api/register", s.handleRegisterVoter)
	s.mux.HandleFunc("/api/vote", s.handleCastVote)
	s.mux.HandleFunc("/api/audit", s.handleGetAudit)
	s.mux.HandleFunc("/api/audit/verify", s.handleVerifyAudit)
	s.mux.HandleFunc("/api/audit/entry", s.handleGetEntry)
	s.mux.HandleFunc("/api/tally", s.handleTally)
	s.mux.HandleFunc("/api/end-session", s.handleEndSession)
	s.mux.HandleFunc("/api/status", s.handleGetStatus)
	s.mux.HandleFunc("/api/metrics", s.handleGetMetrics)

	return s
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", addr)
		serverChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req SetupRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.svc.Setup(r.Context(), service.SetupOptions{
		Bits:       req.Bits,
		Threshold:  req.Threshold,
		Total:      req.Shares,
		PersistKey: req.PersistKey,
		Force:      req.Force,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	tokens := make([]string, len(result.Shares))
	for i, share := range result.Shares {
		tokens[i] = share.String()
	}
	writeJSON(w, http.StatusOK, SetupResponse{SetupResult: result, ShareTokens: tokens})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req SharesRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.svc.Unlock(req.Shares); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRegisterVoter(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req RegisterVoterRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, err := s.svc.Register(req.VoterID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterVoterResponse{
		VoterID: strings.TrimSpace(req.VoterID),
		Token:   token,
	})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req CastVoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	receipt, err := s.svc.CastVote(req.Token, req.Choice)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CastVoteResponse{Success: true, Receipt: receipt})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	rec := s.svc.Audit()
	writeJSON(w, http.StatusOK, AuditResponse{
		Record:  rec,
		Length:  len(rec.Entries),
		IsValid: audit.Valid(rec),
	})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	resp := VerifyResponse{Valid: true}
	if err := s.svc.VerifyAudit(); err != nil {
		resp.Valid = false
		resp.Error = err.Error()

		var chainErr *audit.ChainIntegrityError
		if errors.As(err, &chainErr) {
			index := chainErr.Index
			resp.Index = &index
			resp.Reason = chainErr.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	hash := strings.TrimSpace(r.URL.Query().Get("hash"))
	if hash == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "entry hash is required"})
		return
	}

	entry, position, ok := s.svc.FindReceipt(hash)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}

	calculated := audit.HashEntry(entry)
	writeJSON(w, http.StatusOK, EntryDetailsResponse{
		Entry:    entry,
		Position: position,
		Verification: EntryVerification{
			CalculatedHash: calculated,
			StoredHash:     entry.Hash,
			HashMatch:      calculated == entry.Hash,
		},
	})
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req SharesRequest
	if !s.decode(w, r, &req) {
		return
	}

	report, err := s.svc.Tally(r.Context(), req.Shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	s.svc.CloseVoting()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	status, err := s.svc.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Metrics())
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingInput),
		errors.Is(err, registry.ErrEmptyVoterID),
		errors.Is(err, shamir.ErrInvalidParameters),
		errors.Is(err, shamir.ErrInvalidShareFormat),
		errors.Is(err, shamir.ErrDuplicateShareIndex),
		errors.Is(err, encryption.ErrKeyEncoding):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, service.ErrAlreadyInitialized),
		errors.Is(err, service.ErrNotInitialized),
		errors.Is(err, service.ErrVotingClosed):
		return http.StatusConflict
	case errors.Is(err, service.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrKeyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
