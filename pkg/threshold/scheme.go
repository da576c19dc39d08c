// Package threshold holds the pieces shared by every (t, n) scheme of the mint:
// Shamir sharing over the BLS12-381 scalar field, Lagrange interpolation and a
// generic collector of verified shares.
package threshold

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShare     = errors.New("share does not verify")
	ErrDuplicateShare   = errors.New("peer already contributed a share")
	ErrNotEnoughShares  = errors.New("not enough shares to combine")
	ErrCombinedInvalid  = errors.New("combined result does not verify")
	ErrUnknownPeerIndex = errors.New("unknown peer index")
)

// Scheme is a (t, n) threshold scheme over messages M producing shares S that combine
// into a result R.
type Scheme[M, S, R any] interface {
	Threshold() int
	VerifyShare(peer uint16, msg M, share S) bool
	// Combine receives exactly Threshold() verified shares.
	Combine(msg M, shares map[uint16]S) (R, error)
	Verify(msg M, result R) bool
}

// Collection accumulates verified shares from distinct peers for a single message.
// It is not safe for concurrent use.
type Collection[M, S, R any] struct {
	scheme Scheme[M, S, R]
	msg    M
	shares map[uint16]S
}

func NewCollection[M, S, R any](scheme Scheme[M, S, R], msg M) *Collection[M, S, R] {
	return &Collection[M, S, R]{
		scheme: scheme,
		msg:    msg,
		shares: make(map[uint16]S),
	}
}

// Add verifies and records the share of a peer.
func (c *Collection[M, S, R]) Add(peer uint16, share S) error {
	if _, ok := c.shares[peer]; ok {
		return ErrDuplicateShare
	}
	if !c.scheme.VerifyShare(peer, c.msg, share) {
		return fmt.Errorf("%w: peer %d", ErrInvalidShare, peer)
	}
	c.shares[peer] = share
	return nil
}

// Restore records a share that was verified before, e.g. when reloading from storage.
func (c *Collection[M, S, R]) Restore(peer uint16, share S) {
	c.shares[peer] = share
}

func (c *Collection[M, S, R]) Len() int {
	return len(c.shares)
}

func (c *Collection[M, S, R]) Has(peer uint16) bool {
	_, ok := c.shares[peer]
	return ok
}

func (c *Collection[M, S, R]) Ready() bool {
	return len(c.shares) >= c.scheme.Threshold()
}

func (c *Collection[M, S, R]) Shares() map[uint16]S {
	return c.shares
}

// Combine merges the shares of the lowest Threshold() peer indices and checks the
// result. Picking a fixed subset keeps the output byte-identical across peers even for
// schemes whose combination is not unique.
func (c *Collection[M, S, R]) Combine() (R, error) {
	var zero R
	if !c.Ready() {
		return zero, fmt.Errorf(
			"%w: have %d, need %d", ErrNotEnoughShares, len(c.shares), c.scheme.Threshold(),
		)
	}
	subset := SelectShares(c.shares, c.scheme.Threshold())
	res, err := c.scheme.Combine(c.msg, subset)
	if err != nil {
		return zero, err
	}
	if !c.scheme.Verify(c.msg, res) {
		return zero, ErrCombinedInvalid
	}
	return res, nil
}

// SelectShares returns the shares of the k lowest peer indices.
func SelectShares[S any](shares map[uint16]S, k int) map[uint16]S {
	peers := SortedPeers(shares)
	if len(peers) > k {
		peers = peers[:k]
	}
	subset := make(map[uint16]S, len(peers))
	for _, p := range peers {
		subset[p] = shares[p]
	}
	return subset
}
