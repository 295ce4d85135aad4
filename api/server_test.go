package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-voting/audit"
	"threshold-voting/config"
	"threshold-voting/encryption"
	"threshold-voting/logging"
	"threshold-voting/models"
	"threshold-voting/registry"
	"threshold-voting/service"
	"threshold-voting/shamir"
	"threshold-voting/storage"
)

type testAPI struct {
	store storage.Store
	srv   *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	svc, err := service.NewElectionService(config.Default().Election, store, logging.Discard())
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(svc, logging.Discard()).Handler())
	t.Cleanup(srv.Close)

	return &testAPI{store: store, srv: srv}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) setup(t *testing.T) SetupResponse {
	t.Helper()

	var resp SetupResponse
	code := a.do(t, http.MethodPost, "/api/setup", SetupRequest{Threshold: 2, Shares: 3}, &resp)
	require.Equal(t, http.StatusOK, code)
	return resp
}

func (a *testAPI) register(t *testing.T, voterID string) string {
	t.Helper()

	var resp RegisterVoterResponse
	code := a.do(t, http.MethodPost, "/api/register", RegisterVoterRequest{VoterID: voterID}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, voterID, resp.VoterID)
	return resp.Token
}

func TestElectionFlow(t *testing.T) {
	a := newTestAPI(t)
	setup := a.setup(t)

	require.Len(t, setup.ShareTokens, 3)
	assert.Equal(t, 2, setup.Threshold)
	assert.NotEmpty(t, setup.ElectionID)
	assert.True(t, strings.HasPrefix(setup.Fingerprint, "0x"))

	var receipts []string
	for i, choice := range []string{"red", "blue", "red"} {
		token := a.register(t, fmt.Sprintf("voter-%d", i))

		var vote CastVoteResponse
		code := a.do(t, http.MethodPost, "/api/vote", CastVoteRequest{Token: token, Choice: choice}, &vote)
		require.Equal(t, http.StatusOK, code)
		assert.True(t, vote.Success)
		assert.Equal(t, i, vote.Position)
		receipts = append(receipts, vote.Hash)
	}

	var rec AuditResponse
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/audit", nil, &rec))
	assert.Equal(t, 3, rec.Length)
	assert.True(t, rec.IsValid)
	assert.Equal(t, receipts[2], rec.MasterHash)

	var verify VerifyResponse
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/audit/verify", nil, &verify))
	assert.True(t, verify.Valid)
	assert.Nil(t, verify.Index)

	var details EntryDetailsResponse
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/audit/entry?hash="+receipts[1], nil, &details))
	assert.Equal(t, 1, details.Position)
	assert.True(t, details.Verification.HashMatch)
	assert.Equal(t, receipts[0], details.Entry.Prev)

	var report service.TallyReport
	shares := SharesRequest{Shares: setup.ShareTokens[0] + "," + setup.ShareTokens[2]}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/tally", shares, &report))
	assert.Equal(t, audit.Tally{"red": 2, "blue": 1}, report.Results)
	assert.True(t, report.KeyMatches)
	assert.True(t, report.ChainValid)

	var status service.Status
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/status", nil, &status))
	assert.Equal(t, 3, status.Entries)
	assert.Equal(t, 3, status.Registered)
	assert.Zero(t, status.Outstanding)

	var metrics service.MetricsResponse
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/metrics", nil, &metrics))
	assert.Equal(t, 3, metrics.Voting.Count)
	assert.Equal(t, 1, metrics.Counting.Count)
}

func TestErrorStatuses(t *testing.T) {
	a := newTestAPI(t)

	var errResp errorResponse
	code := a.do(t, http.MethodPost, "/api/register", RegisterVoterRequest{VoterID: "alice"}, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, errResp.Error, "not initialized")

	setup := a.setup(t)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/setup", SetupRequest{}, nil))

	token := a.register(t, "alice")
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/register", RegisterVoterRequest{VoterID: "alice"}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/register", RegisterVoterRequest{VoterID: " "}, nil))

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/vote", CastVoteRequest{Token: token}, nil))
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, "/api/vote", CastVoteRequest{Token: "bogus", Choice: "x"}, nil))

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/tally", SharesRequest{Shares: setup.ShareTokens[0]}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/tally", SharesRequest{Shares: "1-2"}, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, a.do(t, http.MethodGet, "/api/vote", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, a.do(t, http.MethodPost, "/api/status", nil, nil))

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/audit/entry", nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/audit/entry?hash=abc", nil, nil))

	var ok map[string]bool
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/end-session", nil, &ok))
	assert.True(t, ok["success"])
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/vote", CastVoteRequest{Token: token, Choice: "x"}, nil))
}

func TestInvalidBody(t *testing.T) {
	a := newTestAPI(t)

	resp, err := a.srv.Client().Post(a.srv.URL+"/api/register", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyReportsBrokenChain(t *testing.T) {
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	log := audit.NewLog()
	log.Append(encryption.Payload{IV: make([]byte, encryption.IVSize), CT: make([]byte, 16)})
	log.Append(encryption.Payload{IV: make([]byte, encryption.IVSize), CT: make([]byte, 16)})
	broken := log.Snapshot()
	broken.Entries[1].Prev = "00"
	require.NoError(t, store.Save(models.AuditRecord, broken))

	svc, err := service.NewElectionService(config.Default().Election, store, logging.Discard())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(svc, nil).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/audit/verify")
	require.NoError(t, err)
	defer resp.Body.Close()

	var verify VerifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verify))
	assert.False(t, verify.Valid)
	require.NotNil(t, verify.Index)
	assert.Equal(t, 1, *verify.Index)
	assert.NotEmpty(t, verify.Reason)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrMissingInput, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", shamir.ErrDuplicateShareIndex), http.StatusBadRequest},
		{registry.ErrInvalidToken, http.StatusForbidden},
		{registry.ErrAlreadyRegistered, http.StatusConflict},
		{service.ErrVotingClosed, http.StatusConflict},
		{service.ErrLocked, http.StatusLocked},
		{service.ErrKeyMismatch, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
