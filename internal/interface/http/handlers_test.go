package httpservice

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/application"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var (
	finalizedOutpoint = domain.MintOutpoint{TxID: domain.TxID{1}, OutIdx: 0}
	pendingOutpoint   = domain.MintOutpoint{TxID: domain.TxID{1}, OutIdx: 1}
	knownContract     = domain.ContractID{7}
	knownOffer        = lntypes.Hash{8}
)

type mockAppService struct {
	submitted  []domain.Transaction
	submitErr  errors.Error
	waitCalled bool
}

func (m *mockAppService) Start() error          { return nil }
func (m *mockAppService) Stop()                 {}
func (m *mockAppService) Done() <-chan struct{} { return nil }
func (m *mockAppService) Err() error            { return nil }

func (m *mockAppService) SubmitTransaction(
	_ context.Context, tx domain.Transaction,
) (domain.TxID, errors.Error) {
	if m.submitErr != nil {
		return domain.TxID{}, m.submitErr
	}
	m.submitted = append(m.submitted, tx)
	return tx.ID(), nil
}

func (m *mockAppService) GetTransaction(
	_ context.Context, txid domain.TxID,
) (*application.TxStatus, errors.Error) {
	if txid == (domain.TxID{1}) {
		return &application.TxStatus{Txid: txid, State: application.TxAccepted, Epoch: 4}, nil
	}
	return &application.TxStatus{Txid: txid, State: application.TxPending}, nil
}

func (m *mockAppService) GetOutpoint(
	_ context.Context, outpoint domain.MintOutpoint,
) (*domain.IssuanceState, errors.Error) {
	switch outpoint {
	case finalizedOutpoint:
		return &domain.IssuanceState{
			Outpoint: outpoint, Status: domain.IssuanceFinalized,
			Shares: 3, Threshold: 3, Signature: []byte{1, 2},
		}, nil
	case pendingOutpoint:
		return &domain.IssuanceState{
			Outpoint: outpoint, Status: domain.IssuancePending, Shares: 1, Threshold: 3,
		}, nil
	default:
		return nil, errors.NOT_FOUND.New("outpoint %s not found", outpoint)
	}
}

func (m *mockAppService) WaitOutpoint(
	ctx context.Context, outpoint domain.MintOutpoint,
) (*domain.IssuanceState, errors.Error) {
	m.waitCalled = true
	<-ctx.Done()
	return m.GetOutpoint(ctx, outpoint)
}

func (m *mockAppService) GetEpoch(context.Context) (*application.EpochInfo, errors.Error) {
	return &application.EpochInfo{
		Epoch: 9, Committed: true, Beacon: domain.Hash32{9}, CurrentEpoch: 10,
	}, nil
}

func (m *mockAppService) GetRoundConsensus(
	context.Context,
) (*domain.RoundConsensus, errors.Error) {
	return &domain.RoundConsensus{Epoch: 10, Height: 800, FeeRate: 2000}, nil
}

func (m *mockAppService) ListQueuedPegOuts(
	context.Context,
) ([]domain.QueuedPegOut, errors.Error) {
	return []domain.QueuedPegOut{{ID: finalizedOutpoint, Address: "addr", Amount: 1000}}, nil
}

func (m *mockAppService) GetPegOutTx(
	_ context.Context, txid chainhash.Hash,
) (*domain.PegOutTx, errors.Error) {
	return nil, errors.NOT_FOUND.New("peg-out tx %s not found", txid)
}

func (m *mockAppService) GetPegInAddress(
	_ context.Context, tweak domain.Hash32,
) (string, errors.Error) {
	return "bcrt1q" + tweak.String()[:8], nil
}

func (m *mockAppService) GetOffer(
	_ context.Context, hash lntypes.Hash,
) (*domain.Offer, errors.Error) {
	if hash != knownOffer {
		return nil, errors.NOT_FOUND.New("offer %s not found", hash)
	}
	return &domain.Offer{Amount: 500, Hash: hash, EncryptedPreimage: []byte{1}}, nil
}

func (m *mockAppService) GetContract(
	_ context.Context, id domain.ContractID,
) (*domain.ContractAccount, errors.Error) {
	if id != knownContract {
		return nil, errors.NOT_FOUND.New("contract %s not found", id)
	}
	return &domain.ContractAccount{
		ID:     id,
		Amount: 700,
		Contract: domain.OutgoingContract{
			Hash: knownOffer, GatewayKey: domain.Hash32{2}, UserKey: domain.Hash32{3}, Timelock: 900,
		},
	}, nil
}

func (m *mockAppService) GetInfo(context.Context) *application.FederationInfo {
	return &application.FederationInfo{
		Self:      1,
		Network:   "regtest",
		Peers:     []application.PeerInfo{{ID: 0, Name: "alice", Role: "mint"}},
		Tiers:     []domain.Tier{1, 2, 4},
		Threshold: 3,
	}
}

func (m *mockAppService) ListPeerHealth(context.Context) ([]ports.PeerHealth, errors.Error) {
	return []ports.PeerHealth{{
		Peer:          2,
		InvalidShares: map[domain.ShareKind]uint64{domain.ShareIssuance: 10},
		LastInvalidAt: time.Unix(1700000000, 0),
		Degraded:      true,
	}}, nil
}

type mockProofSource struct{}

func (mockProofSource) GetPegInProof(
	_ context.Context, txid chainhash.Hash, vout uint32, tweak domain.Hash32,
) (*domain.PegInProof, error) {
	if vout > 0 {
		return nil, fmt.Errorf("output %d not found", vout)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&txid, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x20}))
	return &domain.PegInProof{Tx: tx, OutputIndex: vout, TweakKey: tweak}, nil
}

func newTestServer(t *testing.T, cfg Config, svc application.Service) *httptest.Server {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router, err := newRouter("v0.0.1", cfg, svc, mockProofSource{}, metrics)
	require.NoError(t, err)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, method, url string, body []byte) (int, map[string]any) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	// nolint:errcheck
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp.StatusCode, decoded
}

func TestSubmitTransaction(t *testing.T) {
	tx := domain.Transaction{
		Inputs:     []domain.Input{domain.CoinInput{Tier: 4, Nonce: domain.Hash32{1}, Signature: []byte{1}}},
		Outputs:    []domain.Output{domain.CoinOutput{Tier: 4, BlindedMessage: []byte{2}}},
		Signatures: [][]byte{{3}},
	}
	body, err := json.Marshal(map[string]any{"tx": tx})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		svc := &mockAppService{}
		server := newTestServer(t, Config{}, svc)

		status, resp := doRequest(t, http.MethodPost, server.URL+"/v1/tx", body)
		require.Equal(t, http.StatusAccepted, status)
		require.Equal(t, tx.ID().String(), resp["txid"])
		require.Len(t, svc.submitted, 1)
		require.Equal(t, tx.ID(), svc.submitted[0].ID())
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			name     string
			body     []byte
			err      errors.Error
			status   int
			codeName string
		}{
			{"not json", []byte("{"), nil, http.StatusBadRequest, "INVALID_TX_FORMAT"},
			{"missing tx", []byte("{}"), nil, http.StatusBadRequest, "INVALID_TX_FORMAT"},
			{"bad encoding", []byte(`{"tx":"zz"}`), nil, http.StatusBadRequest, "INVALID_TX_FORMAT"},
			{
				"double spend", body,
				errors.DOUBLE_SPEND.New("coin already spent").
					WithMetadata(errors.DoubleSpendMetadata{Nonce: "01"}),
				http.StatusConflict, "DOUBLE_SPEND",
			},
			{
				"insufficient funds", body,
				errors.INSUFFICIENT_FUNDS.New("outputs exceed inputs"),
				http.StatusBadRequest, "INSUFFICIENT_FUNDS",
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				svc := &mockAppService{submitErr: tc.err}
				server := newTestServer(t, Config{}, svc)

				status, resp := doRequest(t, http.MethodPost, server.URL+"/v1/tx", tc.body)
				require.Equal(t, tc.status, status)
				require.Equal(t, tc.codeName, resp["name"])
				require.NotEmpty(t, resp["message"])
			})
		}
	})

	t.Run("metadata", func(t *testing.T) {
		svc := &mockAppService{
			submitErr: errors.DOUBLE_SPEND.New("coin already spent").
				WithMetadata(errors.DoubleSpendMetadata{Txid: "aa", Nonce: "01"}),
		}
		server := newTestServer(t, Config{}, svc)

		_, resp := doRequest(t, http.MethodPost, server.URL+"/v1/tx", body)
		metadata, ok := resp["metadata"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, "01", metadata["nonce"])
		require.Equal(t, float64(errors.DOUBLE_SPEND.Code), resp["code"])
	})
}

func TestQueries(t *testing.T) {
	server := newTestServer(t, Config{}, &mockAppService{})
	txid := domain.TxID{1}
	tweak := domain.Hash32{5}

	testCases := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, resp map[string]any)
	}{
		{
			name: "accepted tx", path: "/v1/tx/" + txid.String(), status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "accepted", resp["state"])
				require.Equal(t, float64(4), resp["epoch"])
			},
		},
		{name: "invalid txid", path: "/v1/tx/zz", status: http.StatusBadRequest},
		{
			name: "finalized outpoint", path: "/v1/outpoint/" + txid.String() + "/0",
			status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "finalized", resp["status"])
				require.NotEmpty(t, resp["signature"])
			},
		},
		{
			name: "pending outpoint", path: "/v1/outpoint/" + txid.String() + "/1",
			status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "pending", resp["status"])
				require.Equal(t, float64(1), resp["shares"])
				require.Nil(t, resp["signature"])
			},
		},
		{name: "unknown outpoint", path: "/v1/outpoint/" + txid.String() + "/2", status: http.StatusNotFound},
		{name: "invalid vout", path: "/v1/outpoint/" + txid.String() + "/x", status: http.StatusBadRequest},
		{
			name: "epoch", path: "/v1/epoch", status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, float64(9), resp["epoch"])
				require.Equal(t, true, resp["committed"])
				require.Equal(t, domain.Hash32{9}.String(), resp["beacon"])
			},
		},
		{
			name: "round", path: "/v1/wallet/round", status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, float64(800), resp["height"])
				require.Equal(t, float64(2000), resp["feeRate"])
			},
		},
		{
			name: "pegouts", path: "/v1/wallet/pegouts", status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Len(t, resp["pegOuts"], 1)
			},
		},
		{
			name:   "unknown pegout tx",
			path:   "/v1/wallet/pegout/" + chainhash.Hash{3}.String(),
			status: http.StatusNotFound,
		},
		{
			name: "address", path: "/v1/wallet/address?tweak=" + tweak.String(),
			status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "bcrt1q"+tweak.String()[:8], resp["address"])
			},
		},
		{name: "invalid tweak", path: "/v1/wallet/address?tweak=abc", status: http.StatusBadRequest},
		{
			name:   "pegin proof",
			path:   "/v1/wallet/proof/" + chainhash.Hash{4}.String() + "/0?tweak=" + tweak.String(),
			status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				raw, err := hex.DecodeString(resp["proof"].(string))
				require.NoError(t, err)
				proof, err := domain.DeserializePegInProof(raw)
				require.NoError(t, err)
				require.Equal(t, tweak, proof.TweakKey)
			},
		},
		{
			name:   "pegin proof of missing output",
			path:   "/v1/wallet/proof/" + chainhash.Hash{4}.String() + "/1?tweak=" + tweak.String(),
			status: http.StatusServiceUnavailable,
		},
		{
			name: "offer", path: "/v1/ln/offer/" + knownOffer.String(), status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, float64(500), resp["amount"])
				require.Equal(t, "01", resp["encryptedPreimage"])
			},
		},
		{name: "unknown offer", path: "/v1/ln/offer/" + lntypes.Hash{9}.String(), status: http.StatusNotFound},
		{
			name: "contract", path: "/v1/ln/contract/" + knownContract.String(), status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "outgoing", resp["kind"])
				require.Equal(t, float64(900), resp["timelock"])
				require.Equal(t, domain.Hash32{3}.String(), resp["userKey"])
			},
		},
		{name: "invalid contract id", path: "/v1/ln/contract/00", status: http.StatusBadRequest},
		{
			name: "info", path: "/v1/info", status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				require.Equal(t, "v0.0.1", resp["version"])
				require.Equal(t, []any{float64(1), float64(2), float64(4)}, resp["tiers"])
				require.Len(t, resp["peers"], 1)
			},
		},
		{
			name: "health", path: "/v1/health", status: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				peers := resp["peers"].([]any)
				require.Len(t, peers, 1)
				peer := peers[0].(map[string]any)
				require.Equal(t, true, peer["degraded"])
				require.Equal(t, float64(10), peer["invalidShares"].(map[string]any)["issuance"])
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := doRequest(t, http.MethodGet, server.URL+tc.path, nil)
			require.Equal(t, tc.status, status)
			if tc.check != nil {
				tc.check(t, resp)
			}
		})
	}

	t.Run("metrics", func(t *testing.T) {
		status, _ := doRequest(t, http.MethodGet, server.URL+"/metrics", nil)
		require.Equal(t, http.StatusOK, status)
	})
}

func TestWaitOutpoint(t *testing.T) {
	svc := &mockAppService{}
	server := newTestServer(t, Config{MaxWait: 200 * time.Millisecond}, svc)

	start := time.Now()
	path := fmt.Sprintf("/v1/outpoint/%s/1?wait=30", pendingOutpoint.TxID)
	status, resp := doRequest(t, http.MethodGet, server.URL+path, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pending", resp["status"])
	require.True(t, svc.waitCalled)
	require.Less(t, time.Since(start), 5*time.Second)

	status, _ = doRequest(t, http.MethodGet, server.URL+path[:len(path)-2]+"-1", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimit(t *testing.T) {
	server := newTestServer(t, Config{RateLimit: 1, RateBurst: 2}, &mockAppService{})

	for i := 0; i < 2; i++ {
		status, _ := doRequest(t, http.MethodGet, server.URL+"/v1/epoch", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, resp := doRequest(t, http.MethodGet, server.URL+"/v1/epoch", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "RATE_LIMITED", resp["name"])

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/epoch", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	// nolint:errcheck
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NotEmpty(t, resp2.Header.Get(requestIdHeader))

	// metrics are not limited
	status, _ = doRequest(t, http.MethodGet, server.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		err  string
	}{
		{"missing port", Config{}, "missing port"},
		{"negative rate", Config{Port: 7070, RateLimit: -1}, "rate limit must not be negative"},
		{"missing burst", Config{Port: 7070, RateLimit: 5}, "rate burst must be positive"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorContains(t, tc.cfg.Validate(), tc.err)
		})
	}
	require.NoError(t, Config{Port: 7070, RateLimit: 5, RateBurst: 10}.Validate())
}
