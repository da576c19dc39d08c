package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

const (
	tipHeightEndpoint   = "/blocks/tip/height"
	blockHashEndpoint   = "/block-height/%d"
	blockHeaderEndpoint = "/block/%s/header"
	feeEstimateEndpoint = "/fee-estimates"
	broadcastEndpoint   = "/tx"
	txHexEndpoint       = "/tx/%s/hex"
	merkleProofEndpoint = "/tx/%s/merkle-proof"

	maxRetries = 3
	// confirmation target of the fee estimation, in blocks
	defaultConfTarget = 6
	minFeeRate        = chainfee.SatPerKVByte(1000)
)

type Option func(*service)

func WithConfTarget(blocks int) Option {
	return func(s *service) {
		s.confTarget = blocks
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *service) {
		s.httpClient = client
	}
}

// Service is the chain oracle of the peer, it also serves the clients the proofs of
// their deposits.
type Service interface {
	ports.ChainOracle
	ports.PegInProofSource
}

type service struct {
	baseUrl    string
	confTarget int
	httpClient *http.Client
}

// NewService returns a chain oracle backed by the Esplora REST API at the given url.
func NewService(esploraURL string, opts ...Option) (Service, error) {
	if len(esploraURL) == 0 {
		return nil, fmt.Errorf("esplora URL is required")
	}
	if _, err := url.Parse(esploraURL); err != nil {
		return nil, fmt.Errorf("invalid esplora URL: %w", err)
	}

	svc := &service{
		baseUrl:    strings.TrimRight(esploraURL, "/"),
		confTarget: defaultConfTarget,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *service) GetBlockHeight(ctx context.Context) (uint32, error) {
	body, err := s.get(ctx, tipHeightEndpoint)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	log.Tracef("fetched tip height %d", height)
	return uint32(height), nil
}

func (s *service) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	body, err := s.get(ctx, fmt.Sprintf(blockHashEndpoint, height))
	if err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid hash of block %d: %w", height, err)
	}
	return *hash, nil
}

// EstimateFeeRate returns the estimate for the closest target not above the configured
// one, never below 1 sat/vB.
func (s *service) EstimateFeeRate(ctx context.Context) (chainfee.SatPerKVByte, error) {
	body, err := s.get(ctx, feeEstimateEndpoint)
	if err != nil {
		return 0, err
	}

	estimates := make(map[string]float64)
	if err := json.Unmarshal(body, &estimates); err != nil {
		return 0, fmt.Errorf("invalid fee estimates: %w", err)
	}

	best, rate := 0, 0.0
	for target, satPerVByte := range estimates {
		blocks, err := strconv.Atoi(target)
		if err != nil || blocks > s.confTarget {
			continue
		}
		if blocks > best {
			best, rate = blocks, satPerVByte
		}
	}

	feeRate := chainfee.SatPerKVByte(math.Round(rate * 1000))
	if feeRate < minFeeRate {
		feeRate = minFeeRate
	}
	return feeRate, nil
}

// Broadcast reports a 400 response as a rejection of the tx, any other failure as an
// error.
func (s *service) Broadcast(ctx context.Context, tx *wire.MsgTx) (ports.BroadcastResult, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return ports.BroadcastResult{}, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseUrl+broadcastEndpoint,
		strings.NewReader(hex.EncodeToString(buf.Bytes())),
	)
	if err != nil {
		return ports.BroadcastResult{}, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ports.BroadcastResult{}, fmt.Errorf("failed to broadcast tx: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		log.Debugf("broadcasted tx %s", strings.TrimSpace(string(body)))
		return ports.BroadcastResult{Accepted: true}, nil
	case resp.StatusCode == http.StatusBadRequest:
		reason := strings.TrimSpace(string(body))
		// a tx already known by the node is as good as accepted
		if strings.Contains(reason, "already in block chain") ||
			strings.Contains(reason, "txn-already-known") ||
			strings.Contains(reason, "txn-already-in-mempool") {
			return ports.BroadcastResult{Accepted: true}, nil
		}
		return ports.BroadcastResult{Reason: reason}, nil
	default:
		return ports.BroadcastResult{}, fmt.Errorf(
			"failed to broadcast tx: unexpected status code %d", resp.StatusCode,
		)
	}
}

type merkleProof struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// GetPegInProof assembles the inclusion proof of a confirmed deposit to the federation.
func (s *service) GetPegInProof(
	ctx context.Context, txid chainhash.Hash, vout uint32, tweak domain.Hash32,
) (*domain.PegInProof, error) {
	body, err := s.get(ctx, fmt.Sprintf(merkleProofEndpoint, txid))
	if err != nil {
		return nil, err
	}
	var proof merkleProof
	if err := json.Unmarshal(body, &proof); err != nil {
		return nil, fmt.Errorf("invalid merkle proof: %w", err)
	}
	branch := make([]chainhash.Hash, 0, len(proof.Merkle))
	for _, h := range proof.Merkle {
		hash, err := chainhash.NewHashFromStr(h)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle proof: %w", err)
		}
		branch = append(branch, *hash)
	}

	blockHash, err := s.GetBlockHash(ctx, proof.BlockHeight)
	if err != nil {
		return nil, err
	}
	header := wire.BlockHeader{}
	if err := s.getHex(ctx, fmt.Sprintf(blockHeaderEndpoint, blockHash), &header); err != nil {
		return nil, fmt.Errorf("invalid header of block %s: %w", blockHash, err)
	}
	tx := wire.NewMsgTx(2)
	if err := s.getHex(ctx, fmt.Sprintf(txHexEndpoint, txid), tx); err != nil {
		return nil, fmt.Errorf("invalid tx %s: %w", txid, err)
	}
	if int(vout) >= len(tx.TxOut) {
		return nil, fmt.Errorf("tx %s has no output %d", txid, vout)
	}

	pegIn := &domain.PegInProof{
		Header:       header,
		MerkleBranch: branch,
		TxIndex:      proof.Pos,
		Tx:           tx,
		OutputIndex:  vout,
		TweakKey:     tweak,
	}
	if !pegIn.VerifyInclusion() {
		return nil, fmt.Errorf("merkle proof of tx %s does not match block %s", txid, blockHash)
	}
	return pegIn, nil
}

type deserializer interface {
	Deserialize(r io.Reader) error
}

func (s *service) getHex(ctx context.Context, endpoint string, v deserializer) error {
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return err
	}
	buf, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return err
	}
	return v.Deserialize(bytes.NewReader(buf))
}

// get retries network errors and 5xx responses.
func (s *service) get(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseUrl+endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		// nolint:all
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(
		fetch, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx),
	); err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	return body, nil
}
