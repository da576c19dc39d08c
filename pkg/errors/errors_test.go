package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// generateErrorFixtures creates test fixtures with sample metadata for each error type
func generateErrorFixtures() []Error {
	return []Error{
		INTERNAL_ERROR.New("internal server error occurred").
			WithMetadata(map[string]any{
				"component": "kvstore",
				"operation": "update",
			}),

		INVALID_TX_FORMAT.New("transaction has no inputs").
			WithMetadata(TxMetadata{
				Txid: "9f1c0dd0dfb0b5b1f05a7f1bd9e1e1a9c8c7a8f6e5d4c3b2a1908f7e6d5c4b3a",
			}),

		INVALID_PROOF.New("coin signature does not verify").
			WithMetadata(InputMetadata{
				Txid:       "9f1c0dd0dfb0b5b1f05a7f1bd9e1e1a9c8c7a8f6e5d4c3b2a1908f7e6d5c4b3a",
				InputIndex: 1,
			}),

		DOUBLE_SPEND.New("nonce already spent").
			WithMetadata(DoubleSpendMetadata{
				Txid:  "9f1c0dd0dfb0b5b1f05a7f1bd9e1e1a9c8c7a8f6e5d4c3b2a1908f7e6d5c4b3a",
				Nonce: "7086d72a8ddacc9e6e0451d92133ef583d6748a4726b632a94f26df8c802ac24",
			}),

		INSUFFICIENT_FUNDS.New("outputs exceed inputs").
			WithMetadata(InsufficientFundsMetadata{
				InputSum:  1000,
				OutputSum: 1024,
			}),

		NO_OFFER.New("no offer for payment hash").
			WithMetadata(OfferMetadata{
				PaymentHash: "66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925",
			}),

		SAFETY_VIOLATION.New("divergent epoch outcome").
			WithMetadata(SafetyViolationMetadata{
				Epoch:         12,
				LocalOutcome:  "aa",
				QuorumOutcome: "bb",
			}),
	}
}

func TestErrorMetadata(t *testing.T) {
	fixtures := generateErrorFixtures()

	for _, err := range fixtures {
		require.NotNil(t, err)
		require.NotEmpty(t, err.Error())
		require.NotEmpty(t, err.CodeName())
		require.NotZero(t, err.HTTPStatus())
		require.NotEmpty(t, err.Metadata())
		require.NotNil(t, err.Log())
	}
}

func TestErrorCodeMatching(t *testing.T) {
	err := DOUBLE_SPEND.New("nonce %s already spent", "abcd")
	wrapped := fmt.Errorf("apply epoch: %w", err)

	require.True(t, DOUBLE_SPEND.Is(wrapped))
	require.False(t, INVALID_PROOF.Is(wrapped))
	require.False(t, DOUBLE_SPEND.Is(fmt.Errorf("plain")))
	require.Equal(t, http.StatusConflict, err.HTTPStatus())
	require.Contains(t, err.Error(), "DOUBLE_SPEND (3)")
}
