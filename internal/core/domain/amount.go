package domain

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// MaxAmount bounds any single amount chosen by a client.
const MaxAmount = Amount(btcutil.MaxSatoshi)

var ErrAmountOverflow = errors.New("amount overflows 64 bits")

// Amount is denominated in satoshis.
type Amount uint64

func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return Amount(sum), nil
}

func (a Amount) Mul(n uint64) (Amount, error) {
	hi, lo := bits.Mul64(uint64(a), n)
	if hi != 0 {
		return 0, ErrAmountOverflow
	}
	return Amount(lo), nil
}

// Tier is the denomination of a single coin. Tiers are powers of two.
type Tier = Amount

func IsValidTier(a Amount) bool {
	return a > 0 && a&(a-1) == 0
}

// Tiers returns the powers of two up to max (included).
func Tiers(max Amount) []Tier {
	tiers := make([]Tier, 0, 64)
	for t := Amount(1); t > 0 && t <= max; t <<= 1 {
		tiers = append(tiers, t)
	}
	return tiers
}

// Represent splits an amount into the minimal set of coins of the given tiers, largest
// first. Tiers must be sorted in ascending order.
func Represent(amount Amount, tiers []Tier) ([]Tier, error) {
	coins := make([]Tier, 0, bits.OnesCount64(uint64(amount)))
	remaining := amount
	for i := len(tiers) - 1; i >= 0 && remaining > 0; i-- {
		for remaining >= tiers[i] {
			coins = append(coins, tiers[i])
			remaining -= tiers[i]
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("amount %d not representable with the given tiers", amount)
	}
	return coins, nil
}

func SortTiers(tiers []Tier) {
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
}
