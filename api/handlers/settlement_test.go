package handlers_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/api"
	"github.com/nebulaex/tonsettle/api/handlers"
	"github.com/nebulaex/tonsettle/internal/settlement/coordinator"
	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/signer"
	"github.com/nebulaex/tonsettle/internal/settlement/store"
	"github.com/nebulaex/tonsettle/internal/settlement/strategy"
	"github.com/nebulaex/tonsettle/internal/settlement/wallet"
)

const (
	hotWallet = "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37"
	destAddr  = "EQC6ls9PDNPFR5ZD_Wxut1wD9MLtPWNdDhe_YiwL6OQsT4Hf"
)

type stubNode struct{}

func (stubNode) Seqno(context.Context, string) (uint32, error)       { return 7, nil }
func (stubNode) SendBoc(context.Context, []byte) (string, error)     { return "tx-node", nil }
func (stubNode) MasterchainSeqno(context.Context) (uint32, error)    { return 100, nil }
func (stubNode) EstimateFee(context.Context, string, []byte) (int64, error) {
	return 3_000_000, nil
}
func (stubNode) Transactions(context.Context, string, int) ([]interfaces.NodeTransaction, error) {
	return nil, nil
}

type stubBroadcaster struct{}

func (stubBroadcaster) Submit(context.Context, []byte) *interfaces.SubmissionOutcome {
	return &interfaces.SubmissionOutcome{Status: interfaces.SubmissionAccepted, TxHash: "tx-api"}
}

type stubTracker struct{}

func (stubTracker) AwaitFinality(context.Context, string, time.Time) (*interfaces.FinalityOutcome, error) {
	return &interfaces.FinalityOutcome{Status: interfaces.FinalityConfirmed, Confirmations: 2}, nil
}

func (stubTracker) FindMatching(context.Context, *interfaces.TransferIntent, time.Duration) (string, bool, error) {
	return "", false, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishOutcome(context.Context, *interfaces.SettlementOutcome) error {
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := strategy.NewRegistry()
	registry.Register("TON", strategy.NewNative("TON", strategy.Policy{MinAmount: 1_000_000}, strategy.StaticFee(10_000_000)))

	assembler, err := wallet.New(wallet.Config{HotWallet: hotWallet, SubwalletID: 698983191})
	require.NoError(t, err)

	sgn, err := signer.NewLocal(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)

	engine := coordinator.New(
		coordinator.Config{HotWallet: hotWallet, FinalityDeadline: time.Minute},
		store.NewMemoryStore(), registry, assembler, sgn,
		stubBroadcaster{}, stubTracker{}, nopPublisher{}, stubNode{}, nil,
		zap.NewNop(),
	)

	handler := handlers.NewSettlementHandler(engine, map[string]handlers.AssetMeta{
		"TON": {Decimals: 9},
	}, zap.NewNop())

	srv := httptest.NewServer(api.NewServer(zap.NewNop(), handler).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postWithdrawal(t *testing.T, srv *httptest.Server, body map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/withdrawals", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func validBody(requestID string) map[string]string {
	return map[string]string{
		"request_id":    requestID,
		"user_id":       uuid.NewString(),
		"owner_address": hotWallet,
		"asset":         "TON",
		"destination":   destAddr,
		"amount":        "1.5",
	}
}

func decodeData(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestCreateWithdrawalSettles(t *testing.T) {
	srv := newTestServer(t)

	resp := postWithdrawal(t, srv, validBody("wd-api-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "pending", data["state"])
	assert.EqualValues(t, 1_500_000_000, data["amount"])

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/v1/withdrawals/wd-api-1")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			return false
		}
		var envelope struct {
			Data struct {
				State  string `json:"state"`
				TxHash string `json:"tx_hash"`
			} `json:"data"`
		}
		if json.NewDecoder(r.Body).Decode(&envelope) != nil {
			return false
		}
		return envelope.Data.State == "confirmed" && envelope.Data.TxHash == "tx-api"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateWithdrawalReplayReturnsExistingRecord(t *testing.T) {
	srv := newTestServer(t)

	first := postWithdrawal(t, srv, validBody("wd-api-replay"))
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/v1/withdrawals/wd-api-replay")
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		defer r.Body.Close()
		var envelope struct {
			Data struct {
				State string `json:"state"`
			} `json:"data"`
		}
		return json.NewDecoder(r.Body).Decode(&envelope) == nil && envelope.Data.State == "confirmed"
	}, 5*time.Second, 10*time.Millisecond)

	replay := postWithdrawal(t, srv, validBody("wd-api-replay"))
	require.Equal(t, http.StatusOK, replay.StatusCode)
	data := decodeData(t, replay)
	assert.Equal(t, "confirmed", data["state"])
	assert.Equal(t, "tx-api", data["tx_hash"])
}

func TestCreateWithdrawalRejectsBadAmounts(t *testing.T) {
	srv := newTestServer(t)

	for i, amount := range []string{"abc", "-1", "0", "0.0000000001"} {
		body := validBody(fmt.Sprintf("wd-bad-%d", i))
		body["amount"] = amount

		resp := postWithdrawal(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %q", amount)

		var problem struct {
			ErrorKind string `json:"error_kind"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
		assert.Equal(t, "invalid_amount", problem.ErrorKind, "amount %q", amount)
	}
}

func TestCreateWithdrawalRejectsUnknownAsset(t *testing.T) {
	srv := newTestServer(t)

	body := validBody("wd-asset")
	body["asset"] = "DOGE"

	resp := postWithdrawal(t, srv, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem struct {
		ErrorKind string `json:"error_kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "unsupported_asset", problem.ErrorKind)
}

func TestCreateWithdrawalRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t)

	resp := postWithdrawal(t, srv, map[string]string{"asset": "TON"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWithdrawalNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/withdrawals/wd-unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
