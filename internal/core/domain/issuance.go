package domain

type IssuanceStatus string

const (
	IssuancePending   IssuanceStatus = "pending"
	IssuanceFinalized IssuanceStatus = "finalized"
)

// IssuanceRequest is created for every coin output of an accepted transaction.
type IssuanceRequest struct {
	Outpoint       MintOutpoint `json:"outpoint"`
	Tier           Tier         `json:"tier"`
	BlindedMessage []byte       `json:"blindedMessage"`
	Epoch          uint64       `json:"epoch"`
}

// IssuanceState is what clients see when polling an outpoint.
type IssuanceState struct {
	Outpoint  MintOutpoint   `json:"outpoint"`
	Status    IssuanceStatus `json:"status"`
	Shares    int            `json:"shares"`
	Threshold int            `json:"threshold"`
	Signature []byte         `json:"signature,omitempty"`
}
