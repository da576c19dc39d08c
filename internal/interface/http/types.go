package httpservice

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/arkade-os/fedmint/internal/core/application"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

type errorResponse struct {
	Code     uint16            `json:"code"`
	Name     string            `json:"name"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitTxRequest struct {
	Tx *domain.Transaction `json:"tx"`
}

type submitTxResponse struct {
	Txid domain.TxID `json:"txid"`
}

type txStatusResponse struct {
	Txid  domain.TxID `json:"txid"`
	State string      `json:"state"`
	Epoch uint64      `json:"epoch,omitempty"`
}

type epochResponse struct {
	Epoch        uint64        `json:"epoch"`
	Committed    bool          `json:"committed"`
	Beacon       domain.Hash32 `json:"beacon"`
	Outcome      domain.Hash32 `json:"outcome"`
	Accepted     int           `json:"accepted"`
	CurrentEpoch uint64        `json:"currentEpoch"`
	CurrentRound uint32        `json:"currentRound"`
}

type roundResponse struct {
	Epoch   uint64        `json:"epoch"`
	Height  uint32        `json:"height"`
	FeeRate uint64        `json:"feeRate"`
	Beacon  domain.Hash32 `json:"beacon"`
}

type addressResponse struct {
	Address string        `json:"address"`
	Tweak   domain.Hash32 `json:"tweak"`
}

type pegInProofResponse struct {
	Outpoint string `json:"outpoint"`
	Proof    string `json:"proof"`
}

type offerResponse struct {
	Hash              string `json:"hash"`
	Amount            uint64 `json:"amount"`
	EncryptedPreimage string `json:"encryptedPreimage"`
	ExpiryEpoch       uint64 `json:"expiryEpoch,omitempty"`
}

type contractResponse struct {
	ID                domain.ContractID `json:"id"`
	Kind              string            `json:"kind"`
	Amount            uint64            `json:"amount"`
	PaymentHash       string            `json:"paymentHash"`
	GatewayKey        domain.Hash32     `json:"gatewayKey"`
	UserKey           *domain.Hash32    `json:"userKey,omitempty"`
	Timelock          uint32            `json:"timelock,omitempty"`
	EncryptedPreimage string            `json:"encryptedPreimage,omitempty"`
	Decryption        string            `json:"decryption,omitempty"`
	Preimage          string            `json:"preimage,omitempty"`
}

type peerResponse struct {
	ID          domain.PeerID `json:"id"`
	Name        string        `json:"name"`
	Role        string        `json:"role"`
	APIURL      string        `json:"apiUrl"`
	IdentityKey string        `json:"identityKey"`
}

type infoResponse struct {
	Version        string         `json:"version"`
	Self           domain.PeerID  `json:"self"`
	Network        string         `json:"network"`
	Peers          []peerResponse `json:"peers"`
	Tiers          []uint64       `json:"tiers"`
	Threshold      int            `json:"threshold"`
	FinalityDelay  uint32         `json:"finalityDelay"`
	PegOutFee      uint64         `json:"pegOutFee"`
	WalletRoundLen uint64         `json:"walletRoundLen"`
}

type peerHealthResponse struct {
	Peer          domain.PeerID     `json:"peer"`
	InvalidShares map[string]uint64 `json:"invalidShares"`
	LastInvalidAt *time.Time        `json:"lastInvalidAt,omitempty"`
	Degraded      bool              `json:"degraded"`
}

func parseTxid(s string) (domain.TxID, error) {
	txid, err := domain.ParseHash32(s)
	if err != nil {
		return domain.TxID{}, fmt.Errorf("invalid txid %s", s)
	}
	return txid, nil
}

func parseOutpoint(txid, vout string) (domain.MintOutpoint, error) {
	id, err := parseTxid(txid)
	if err != nil {
		return domain.MintOutpoint{}, err
	}
	idx, err := parseVout(vout)
	if err != nil {
		return domain.MintOutpoint{}, err
	}
	return domain.MintOutpoint{TxID: id, OutIdx: idx}, nil
}

func parseVout(s string) (uint32, error) {
	idx, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid output index %s", s)
	}
	return uint32(idx), nil
}

func parseTweak(s string) (domain.Hash32, error) {
	if s == "" {
		return domain.Hash32{}, fmt.Errorf("missing tweak")
	}
	tweak, err := domain.ParseHash32(s)
	if err != nil {
		return domain.Hash32{}, fmt.Errorf("invalid tweak %s", s)
	}
	return tweak, nil
}

func parsePaymentHash(s string) (lntypes.Hash, error) {
	hash, err := lntypes.MakeHashFromStr(s)
	if err != nil {
		return lntypes.Hash{}, fmt.Errorf("invalid payment hash %s", s)
	}
	return hash, nil
}

func parseChainTxid(s string) (*chainhash.Hash, error) {
	txid, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s", s)
	}
	return txid, nil
}

func parseWait(s string, max time.Duration) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid wait %s", s)
	}
	wait := time.Duration(seconds) * time.Second
	if wait > max {
		wait = max
	}
	return wait, nil
}

func toTxStatusResponse(status *application.TxStatus) txStatusResponse {
	return txStatusResponse{
		Txid:  status.Txid,
		State: string(status.State),
		Epoch: status.Epoch,
	}
}

func toEpochResponse(info *application.EpochInfo) epochResponse {
	return epochResponse{
		Epoch:        info.Epoch,
		Committed:    info.Committed,
		Beacon:       info.Beacon,
		Outcome:      info.Outcome,
		Accepted:     info.Accepted,
		CurrentEpoch: info.CurrentEpoch,
		CurrentRound: info.CurrentRound,
	}
}

func toRoundResponse(round *domain.RoundConsensus) roundResponse {
	return roundResponse{
		Epoch:   round.Epoch,
		Height:  round.Height,
		FeeRate: round.FeeRate,
		Beacon:  round.Beacon,
	}
}

func toOfferResponse(offer *domain.Offer) offerResponse {
	return offerResponse{
		Hash:              offer.Hash.String(),
		Amount:            uint64(offer.Amount),
		EncryptedPreimage: hex.EncodeToString(offer.EncryptedPreimage),
		ExpiryEpoch:       offer.ExpiryEpoch,
	}
}

func toContractResponse(account *domain.ContractAccount) contractResponse {
	resp := contractResponse{
		ID:     account.ID,
		Amount: uint64(account.Amount),
	}
	switch c := account.Contract.(type) {
	case domain.IncomingContract:
		resp.Kind = c.Kind().String()
		resp.PaymentHash = c.Hash.String()
		resp.GatewayKey = c.GatewayKey
		resp.EncryptedPreimage = hex.EncodeToString(c.EncryptedPreimage)
		resp.Decryption = account.Decryption.String()
		if len(account.Preimage) > 0 {
			resp.Preimage = hex.EncodeToString(account.Preimage)
		}
	case domain.OutgoingContract:
		userKey := c.UserKey
		resp.Kind = c.Kind().String()
		resp.PaymentHash = c.Hash.String()
		resp.GatewayKey = c.GatewayKey
		resp.UserKey = &userKey
		resp.Timelock = c.Timelock
	}
	return resp
}

func toInfoResponse(version string, info *application.FederationInfo) infoResponse {
	peers := make([]peerResponse, 0, len(info.Peers))
	for _, p := range info.Peers {
		peers = append(peers, peerResponse(p))
	}
	tiers := make([]uint64, 0, len(info.Tiers))
	for _, t := range info.Tiers {
		tiers = append(tiers, uint64(t))
	}
	return infoResponse{
		Version:        version,
		Self:           info.Self,
		Network:        info.Network,
		Peers:          peers,
		Tiers:          tiers,
		Threshold:      info.Threshold,
		FinalityDelay:  info.FinalityDelay,
		PegOutFee:      uint64(info.PegOutFee),
		WalletRoundLen: info.WalletRoundLen,
	}
}

func toPeerHealthResponse(list []ports.PeerHealth) []peerHealthResponse {
	resp := make([]peerHealthResponse, 0, len(list))
	for _, h := range list {
		shares := make(map[string]uint64, len(h.InvalidShares))
		for kind, count := range h.InvalidShares {
			shares[string(kind)] = count
		}
		item := peerHealthResponse{
			Peer:          h.Peer,
			InvalidShares: shares,
			Degraded:      h.Degraded,
		}
		if !h.LastInvalidAt.IsZero() {
			last := h.LastInvalidAt
			item.LastInvalidAt = &last
		}
		resp = append(resp, item)
	}
	return resp
}
